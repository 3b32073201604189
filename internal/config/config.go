// Package config loads controller and agent settings from an optional
// YAML file overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Controller holds controller runtime configuration.
type Controller struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPAddr   string `yaml:"http_addr"`
	KeyFile    string `yaml:"key_file"`

	MinAgents           int           `yaml:"min_agents"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	CompetitionTimeout  time.Duration `yaml:"competition_timeout"`
	MatchTimeout        time.Duration `yaml:"match_timeout"`
	Whitelist           []string      `yaml:"whitelist"`
	Seed                int64         `yaml:"seed"`

	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`

	RaftEnabled bool   `yaml:"raft_enabled"`
	RaftNodeID  string `yaml:"raft_node_id"`
	RaftAddr    string `yaml:"raft_addr"`
	RaftDataDir string `yaml:"raft_data_dir"`
}

// Agent holds agent runtime configuration.
type Agent struct {
	Name       string `yaml:"name"`
	ListenAddr string `yaml:"listen_addr"`
	KeyFile    string `yaml:"key_file"`

	ControllerIdentity string `yaml:"controller_identity"`
	ControllerURL      string `yaml:"controller_url"`

	AcceptancePolicy string        `yaml:"acceptance_policy"`
	SeekInterval     time.Duration `yaml:"seek_interval"`
	PriceScale       float64       `yaml:"price_scale"`
}

// LoadController reads controller configuration. The file named by
// BARTERHUB_CONFIG is applied first, environment variables win.
func LoadController() (*Controller, error) {
	cfg := &Controller{
		ListenAddr:          "0.0.0.0:9100",
		HTTPAddr:            "0.0.0.0:8080",
		KeyFile:             "controller.key",
		MinAgents:           2,
		RegistrationTimeout: 20 * time.Second,
		InactivityTimeout:   60 * time.Second,
		CompetitionTimeout:  240 * time.Second,
		MatchTimeout:        30 * time.Second,
		MigrationsDir:       "migrations",
		RaftNodeID:          "controller-1",
		RaftAddr:            "127.0.0.1:9200",
		RaftDataDir:         "data/journal",
	}
	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	cfg.ListenAddr = getenv("CONTROLLER_LISTEN_ADDR", cfg.ListenAddr)
	cfg.HTTPAddr = getenv("CONTROLLER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.KeyFile = getenv("CONTROLLER_KEY_FILE", cfg.KeyFile)
	cfg.MinAgents = parseInt(os.Getenv("COMPETITION_MIN_AGENTS"), cfg.MinAgents)
	cfg.RegistrationTimeout = parseDuration(os.Getenv("COMPETITION_REGISTRATION_TIMEOUT"), cfg.RegistrationTimeout)
	cfg.InactivityTimeout = parseDuration(os.Getenv("COMPETITION_INACTIVITY_TIMEOUT"), cfg.InactivityTimeout)
	cfg.CompetitionTimeout = parseDuration(os.Getenv("COMPETITION_TIMEOUT"), cfg.CompetitionTimeout)
	cfg.MatchTimeout = parseDuration(os.Getenv("COMPETITION_MATCH_TIMEOUT"), cfg.MatchTimeout)
	if raw := strings.TrimSpace(os.Getenv("COMPETITION_WHITELIST")); raw != "" {
		cfg.Whitelist = splitList(raw)
	}
	cfg.Seed = int64(parseInt(os.Getenv("COMPETITION_SEED"), int(cfg.Seed)))
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = getenv("MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.RaftEnabled = parseBool(os.Getenv("RAFT_ENABLED"), cfg.RaftEnabled)
	cfg.RaftNodeID = getenv("RAFT_NODE_ID", cfg.RaftNodeID)
	cfg.RaftAddr = getenv("RAFT_ADDR", cfg.RaftAddr)
	cfg.RaftDataDir = getenv("RAFT_DATA_DIR", cfg.RaftDataDir)
	return cfg, nil
}

// LoadAgent reads agent configuration with the same precedence.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		Name:         "agent",
		ListenAddr:   "0.0.0.0:0",
		KeyFile:      "agent.key",
		SeekInterval: 5 * time.Second,
		PriceScale:   1,
	}
	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	cfg.Name = getenv("AGENT_NAME", cfg.Name)
	cfg.ListenAddr = getenv("AGENT_LISTEN_ADDR", cfg.ListenAddr)
	cfg.KeyFile = getenv("AGENT_KEY_FILE", cfg.KeyFile)
	cfg.ControllerIdentity = getenv("CONTROLLER_IDENTITY", cfg.ControllerIdentity)
	cfg.ControllerURL = getenv("CONTROLLER_URL", cfg.ControllerURL)
	cfg.AcceptancePolicy = getenv("AGENT_ACCEPTANCE_POLICY", cfg.AcceptancePolicy)
	cfg.SeekInterval = parseDuration(os.Getenv("AGENT_SEEK_INTERVAL"), cfg.SeekInterval)
	cfg.PriceScale = parseFloat(os.Getenv("AGENT_PRICE_SCALE"), cfg.PriceScale)

	if cfg.ControllerURL == "" {
		return nil, fmt.Errorf("controller_url is required")
	}
	return cfg, nil
}

func loadFile(v any) error {
	path := strings.TrimSpace(os.Getenv("BARTERHUB_CONFIG"))
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
