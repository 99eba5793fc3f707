// ABOUTME: Configuration loading and parsing for wagate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete wagate configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Media     MediaConfig     `yaml:"media"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProtocolConfig holds connection lifecycle timing.
type ProtocolConfig struct {
	// ConnectTimeout bounds how long a connect call waits for either a
	// pairing code or an open connection before returning "pending".
	ConnectTimeout time.Duration `yaml:"-"`

	// ReconnectBackoff is the fixed delay before a recoverable
	// disconnect triggers a reconnect attempt.
	ReconnectBackoff time.Duration `yaml:"-"`

	// ResumeGrace is how long ensureConnected waits for a resumed
	// session to come back up before failing with NotConnected.
	ResumeGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw   string `yaml:"connect_timeout"`
	ReconnectBackoffRaw string `yaml:"reconnect_backoff"`
	ResumeGraceRaw      string `yaml:"resume_grace"`
}

// BroadcastConfig holds throttling defaults for bulk sends.
type BroadcastConfig struct {
	// DefaultDelayMs / DefaultJitterMs apply when a request leaves the
	// throttle unspecified.
	DefaultDelayMs  int `yaml:"default_delay_ms"`
	DefaultJitterMs int `yaml:"default_jitter_ms"`

	// FailureBackoffFloorMs is the minimum inter-recipient delay after
	// a failed send. It must sit strictly above the base delay: a
	// failure is a signal to slow down.
	FailureBackoffFloorMs int `yaml:"failure_backoff_floor_ms"`

	// CountryPrefix replaces a leading trunk "0" during recipient
	// normalization.
	CountryPrefix string `yaml:"country_prefix"`
}

// MediaConfig holds inbound media storage configuration.
type MediaConfig struct {
	// Dir is where uploaded media buffers are written.
	Dir string `yaml:"dir"`

	// BaseURL prefixes the stored object name to form the public URL.
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset fields with production defaults. The
// timing constants mirror the network's tolerances: a 20s connect
// window, 3s reconnect backoff and 2s resume grace.
func (c *Config) applyDefaults() {
	if c.Protocol.ConnectTimeout == 0 {
		c.Protocol.ConnectTimeout = 20 * time.Second
	}
	if c.Protocol.ReconnectBackoff == 0 {
		c.Protocol.ReconnectBackoff = 3 * time.Second
	}
	if c.Protocol.ResumeGrace == 0 {
		c.Protocol.ResumeGrace = 2 * time.Second
	}
	if c.Broadcast.DefaultDelayMs == 0 {
		c.Broadcast.DefaultDelayMs = 1000
	}
	if c.Broadcast.DefaultJitterMs == 0 {
		c.Broadcast.DefaultJitterMs = 500
	}
	if c.Broadcast.FailureBackoffFloorMs == 0 {
		c.Broadcast.FailureBackoffFloorMs = 1200
	}
	if c.Broadcast.CountryPrefix == "" {
		c.Broadcast.CountryPrefix = "62"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Broadcast.FailureBackoffFloorMs <= c.Broadcast.DefaultDelayMs {
		return fmt.Errorf("broadcast.failure_backoff_floor_ms must be greater than default_delay_ms")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Protocol.ConnectTimeoutRaw != "" {
		cfg.Protocol.ConnectTimeout, err = time.ParseDuration(cfg.Protocol.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Protocol.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Protocol.ReconnectBackoffRaw != "" {
		cfg.Protocol.ReconnectBackoff, err = time.ParseDuration(cfg.Protocol.ReconnectBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_backoff %q: %w", cfg.Protocol.ReconnectBackoffRaw, err)
		}
	}

	if cfg.Protocol.ResumeGraceRaw != "" {
		cfg.Protocol.ResumeGrace, err = time.ParseDuration(cfg.Protocol.ResumeGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing resume_grace %q: %w", cfg.Protocol.ResumeGraceRaw, err)
		}
	}

	return nil
}
