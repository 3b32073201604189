// Package discovery maps agent identities to network addresses so peers
// can open negotiations without prior configuration.
package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_client.go -package=mocks . Client

// ErrNotFound is returned when an identity has no published address.
var ErrNotFound = errors.New("identity not found")

// Entry is one published identity.
type Entry struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Addr     string `json:"addr"`
}

// Client publishes and resolves agent addresses.
type Client interface {
	Publish(ctx context.Context, entry Entry) error
	Withdraw(ctx context.Context, identity string) error
	Resolve(ctx context.Context, identity string) (Entry, error)
	// Search lists every published entry except the given identity.
	Search(ctx context.Context, exclude string) ([]Entry, error)
}

// Directory is an in-process Client shared by colocated services.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]Entry)}
}

func (d *Directory) Publish(_ context.Context, entry Entry) error {
	if entry.Identity == "" || entry.Addr == "" {
		return errors.New("identity and addr are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[entry.Identity] = entry
	return nil
}

func (d *Directory) Withdraw(_ context.Context, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[identity]; !ok {
		return ErrNotFound
	}
	delete(d.entries, identity)
	return nil
}

func (d *Directory) Resolve(_ context.Context, identity string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.entries[identity]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (d *Directory) Search(_ context.Context, exclude string) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for id, entry := range d.entries {
		if id == exclude {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}
