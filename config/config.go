// Package config loads the collaboration core's tuning parameters from YAML,
// overlaying file values onto compiled-in defaults. Environment variables in
// ${VAR_NAME} form are expanded and duration fields accept Go duration
// strings ("90s", "5m").
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// CoordinatorConfig tunes the task coordinator.
type CoordinatorConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	DefaultMaxRetries  int `yaml:"default_max_retries"`

	PollInterval   time.Duration `yaml:"-"`
	IdleDelay      time.Duration `yaml:"-"`
	DefaultTimeout time.Duration `yaml:"-"`
	SnapshotTTL    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw   string `yaml:"poll_interval"`
	IdleDelayRaw      string `yaml:"idle_delay"`
	DefaultTimeoutRaw string `yaml:"default_timeout"`
	SnapshotTTLRaw    string `yaml:"snapshot_ttl"`
}

// MessengerConfig tunes inter-agent messaging.
type MessengerConfig struct {
	RequestTimeout time.Duration `yaml:"-"`
	HeartbeatTTL   time.Duration `yaml:"-"`
	MailboxTTL     time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
	HeartbeatTTLRaw   string `yaml:"heartbeat_ttl"`
	MailboxTTLRaw     string `yaml:"mailbox_ttl"`

	// MailboxPath enables the durable sqlite mailbox when set; empty keeps
	// the in-memory mailbox.
	MailboxPath string `yaml:"mailbox_path"`
}

// RuntimeConfig selects and tunes the agent runtime.
type RuntimeConfig struct {
	// Provider is local, anthropic or openai.
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Config is the root configuration document.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Messenger   MessengerConfig   `yaml:"messenger"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			MaxConcurrentTasks: 5,
			DefaultMaxRetries:  2,
			PollInterval:       time.Second,
			IdleDelay:          100 * time.Millisecond,
			DefaultTimeout:     5 * time.Minute,
			SnapshotTTL:        time.Hour,
		},
		Messenger: MessengerConfig{
			RequestTimeout: 30 * time.Second,
			HeartbeatTTL:   10 * time.Second,
			MailboxTTL:     24 * time.Hour,
		},
		Runtime: RuntimeConfig{
			Provider:  "local",
			MaxTokens: 4096,
		},
	}
}

// Load reads a YAML file and overlays it onto the defaults. Fields the file
// omits keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.parseDurations(); err != nil {
		return cfg, fmt.Errorf("parsing durations in %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values; unset variables become empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration
// values; empty raws keep the default.
func (c *Config) parseDurations() error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{c.Coordinator.PollIntervalRaw, "coordinator.poll_interval", &c.Coordinator.PollInterval},
		{c.Coordinator.IdleDelayRaw, "coordinator.idle_delay", &c.Coordinator.IdleDelay},
		{c.Coordinator.DefaultTimeoutRaw, "coordinator.default_timeout", &c.Coordinator.DefaultTimeout},
		{c.Coordinator.SnapshotTTLRaw, "coordinator.snapshot_ttl", &c.Coordinator.SnapshotTTL},
		{c.Messenger.RequestTimeoutRaw, "messenger.request_timeout", &c.Messenger.RequestTimeout},
		{c.Messenger.HeartbeatTTLRaw, "messenger.heartbeat_ttl", &c.Messenger.HeartbeatTTL},
		{c.Messenger.MailboxTTLRaw, "messenger.mailbox_ttl", &c.Messenger.MailboxTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c Config) validate() error {
	if c.Coordinator.MaxConcurrentTasks < 1 {
		return fmt.Errorf("coordinator.max_concurrent_tasks must be at least 1, got %d", c.Coordinator.MaxConcurrentTasks)
	}
	if c.Coordinator.DefaultMaxRetries < 0 {
		return fmt.Errorf("coordinator.default_max_retries must not be negative, got %d", c.Coordinator.DefaultMaxRetries)
	}
	switch c.Runtime.Provider {
	case "local", "anthropic", "openai":
	default:
		return fmt.Errorf("runtime.provider must be local, anthropic or openai, got %q", c.Runtime.Provider)
	}
	return nil
}
