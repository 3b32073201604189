package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the directory hosted on the controller's admin API.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates a client against the given base URL.
func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPClient) Publish(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/directory", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *HTTPClient) Withdraw(ctx context.Context, identity string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.entryURL(identity), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *HTTPClient) Resolve(ctx context.Context, identity string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entryURL(identity), nil)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := c.do(req, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (c *HTTPClient) Search(ctx context.Context, exclude string) ([]Entry, error) {
	target := c.base + "/v1/directory"
	if exclude != "" {
		target += "?exclude=" + url.QueryEscape(exclude)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ControllerIdentity fetches the controller's wire identity from its
// health endpoint.
func (c *HTTPClient) ControllerIdentity(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Identity string `json:"identity"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.Identity == "" {
		return "", fmt.Errorf("controller did not report an identity")
	}
	return out.Identity, nil
}

func (c *HTTPClient) entryURL(identity string) string {
	return c.base + "/v1/directory/" + url.PathEscape(identity)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
