// Package provider manages the external tool provider processes: their
// launch configuration, the supervision of server-style providers with a
// readiness probe, and the aggregated tool registry built over their stdio
// channels.
package provider

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTimezone is applied to every provider environment unless the
	// configuration overrides it. Calendar math on the provider side is
	// meaningless without a pinned zone.
	DefaultTimezone = "Asia/Tokyo"

	defaultStartTimeout = 30 * time.Second
)

// ServerConfig describes an externally-hosted server process that must be
// running before the provider's stdio channel is worth opening. The server
// is supervised: probed first, spawned only when nothing answers, and
// terminated at shutdown only when this orchestrator started it.
type ServerConfig struct {
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Dir          string            `yaml:"dir"`
	Env          map[string]string `yaml:"env"`
	ReadyURL     string            `yaml:"ready_url"`
	StartTimeout time.Duration     `yaml:"start_timeout"`
}

// Config is the immutable launch description for one tool provider. Command
// and friends describe the dedicated stdio channel process; Server, when
// present, describes a separate supervised server the channel depends on.
type Config struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`

	Server *ServerConfig `yaml:"server,omitempty"`
}

// Validate reports configuration mistakes before any spawn is attempted.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("provider: name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("provider %s: command is required", c.Name)
	}
	if c.Server != nil {
		if c.Server.Command == "" {
			return fmt.Errorf("provider %s: server.command is required", c.Name)
		}
		if c.Server.ReadyURL == "" {
			return fmt.Errorf("provider %s: server.ready_url is required", c.Name)
		}
	}
	return nil
}

// StartTimeoutOrDefault returns the configured server start timeout, or the
// package default when unset.
func (s *ServerConfig) StartTimeoutOrDefault() time.Duration {
	if s == nil || s.StartTimeout <= 0 {
		return defaultStartTimeout
	}
	return s.StartTimeout
}

// EnvSlice flattens an environment overlay into KEY=VALUE form, injecting
// the default timezone when the overlay does not set one.
func EnvSlice(overlay map[string]string, timezone string) []string {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	out := make([]string, 0, len(overlay)+2)
	seenTZ := false
	for k, v := range overlay {
		if k == "TZ" || k == "TIMEZONE" {
			seenTZ = true
		}
		out = append(out, k+"="+v)
	}
	if !seenTZ {
		out = append(out, "TZ="+timezone, "TIMEZONE="+timezone)
	}
	return out
}

type configFile struct {
	Providers []Config `yaml:"providers"`
}

// LoadConfigs reads a providers YAML file. Every entry is validated; one bad
// entry fails the whole load so misconfiguration is caught at startup rather
// than at first query.
func LoadConfigs(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("provider: read config %s: %w", path, err)
	}
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("provider: parse config %s: %w", path, err)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("provider: config %s declares no providers", path)
	}
	for _, cfg := range file.Providers {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Providers, nil
}

// DefaultConfigs mirrors the stock deployment: the Google Calendar MCP
// server (supervised over HTTP, spoken to over stdio) and the date/time
// helper. Paths and the server port honor GCAL_MCP_REPO and MCP_PORT.
func DefaultConfigs() []Config {
	repo := os.Getenv("GCAL_MCP_REPO")
	if repo == "" {
		repo = "./google-calendar-mcp"
	}
	port := os.Getenv("MCP_PORT")
	if port == "" {
		port = "3333"
	}

	calendarEnv := map[string]string{
		"GOOGLE_OAUTH_CREDENTIALS": filepath.Join(repo, "gcp-oauth.keys.json"),
	}

	return []Config{
		{
			Name:    "calendar",
			Command: "node",
			Args:    []string{filepath.Join(repo, "build", "index.js")},
			Env:     calendarEnv,
			Server: &ServerConfig{
				Command:      "npm",
				Args:         []string{"start"},
				Dir:          repo,
				Env:          map[string]string{"PORT": port},
				ReadyURL:     "http://localhost:" + port,
				StartTimeout: defaultStartTimeout,
			},
		},
		{
			Name:    "datetime",
			Command: "python3",
			Args:    []string{"-m", "mcp_datetime"},
			Env:     map[string]string{},
		},
	}
}
