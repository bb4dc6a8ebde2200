// Package config holds parley configuration: the assistant endpoint, the
// storage backend, and the session engine tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration, loaded from parley.yaml.
type Config struct {
	// Assistant endpoint settings
	Assistant AssistantConfig `yaml:"assistant"`

	// Conversation identity; empty means resolve from the environment.
	Identity string `yaml:"identity"`

	// Storage backend
	Store StoreConfig `yaml:"store"`

	// Session engine tunables
	Session SessionConfig `yaml:"session"`

	// Verbose logging
	Debug bool `yaml:"debug"`
}

// AssistantConfig configures the external assistant service.
type AssistantConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend: "file", "sqlite", or "memory".
	Backend string `yaml:"backend"`
	// Path is the store directory (file) or database path (sqlite).
	Path string `yaml:"path"`
}

// SessionConfig tunes the conversation engine.
type SessionConfig struct {
	// MaxHistory caps the message log; older entries trim from the head.
	MaxHistory int `yaml:"max_history"`
	// ContextWindow caps the ready messages sent as request history.
	ContextWindow int `yaml:"context_window"`
	// ResumeDebounce is the minimum marker age before reconciliation
	// re-triggers a request. Empirically tuned, not a structural contract.
	ResumeDebounce string `yaml:"resume_debounce"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Assistant: AssistantConfig{
			Endpoint: "http://localhost:8080/api/assistant",
			Timeout:  "2m",
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    filepath.Join(home, ".parley"),
		},
		Session: SessionConfig{
			MaxHistory:     50,
			ContextWindow:  6,
			ResumeDebounce: "500ms",
		},
	}
}

// Load reads the config at path, or the defaults when path is empty or
// missing. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PARLEY_ENDPOINT"); v != "" {
		c.Assistant.Endpoint = v
	}
	if v := os.Getenv("PARLEY_USER"); v != "" {
		c.Identity = v
	}
	if os.Getenv("PARLEY_DEBUG") == "1" || os.Getenv("PARLEY_DEBUG") == "true" {
		c.Debug = true
	}
}

// Validate checks cross-field consistency and the duration strings.
func (c *Config) Validate() error {
	if c.Assistant.Endpoint == "" {
		return fmt.Errorf("assistant.endpoint is required")
	}
	switch c.Store.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("store.backend must be file, sqlite, or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
	}
	if _, err := c.AssistantTimeout(); err != nil {
		return fmt.Errorf("assistant.timeout: %w", err)
	}
	if _, err := c.ResumeDebounce(); err != nil {
		return fmt.Errorf("session.resume_debounce: %w", err)
	}
	return nil
}

// AssistantTimeout parses the request timeout.
func (c *Config) AssistantTimeout() (time.Duration, error) {
	if c.Assistant.Timeout == "" {
		return 2 * time.Minute, nil
	}
	return time.ParseDuration(c.Assistant.Timeout)
}

// ResumeDebounce parses the reconciliation debounce.
func (c *Config) ResumeDebounce() (time.Duration, error) {
	if c.Session.ResumeDebounce == "" {
		return 500 * time.Millisecond, nil
	}
	return time.ParseDuration(c.Session.ResumeDebounce)
}
