// Package config loads the overwatch configuration from YAML and the
// environment. Every value ends up as an explicit constructor argument;
// nothing here is read globally at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATSURL              string        `yaml:"nats_url"`
	NATSToken            string        `yaml:"nats_token"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	StaleThreshold       time.Duration `yaml:"stale_threshold"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	DataRequestInterval  time.Duration `yaml:"data_request_interval"`

	HTTPAddr    string `yaml:"http_addr"`
	BearerToken string `yaml:"bearer_token"`

	DBPath  string `yaml:"db_path"`
	Journal bool   `yaml:"journal"`

	// EmbeddedBroker starts an in-process NATS server on BrokerPort and
	// connects to it instead of NATSURL.
	EmbeddedBroker bool `yaml:"embedded_broker"`
	BrokerPort     int  `yaml:"broker_port"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`
	// Rotation, only used with File.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

func Default() Config {
	return Config{
		NATSURL:              "nats://127.0.0.1:4222",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		ConnectTimeout:       15 * time.Second,
		StaleThreshold:       30 * time.Second,
		SweepInterval:        5 * time.Second,
		DataRequestInterval:  5 * time.Second,
		HTTPAddr:             ":8080",
		DBPath:               "./data/overwatch.db",
		Journal:              true,
		BrokerPort:           4222,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with
// lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("OVERWATCH_NATS_URL", &c.NATSURL)
	str("OVERWATCH_NATS_TOKEN", &c.NATSToken)
	str("OVERWATCH_HTTP_ADDR", &c.HTTPAddr)
	str("OVERWATCH_DB_PATH", &c.DBPath)
	str("OVERWATCH_LOG_LEVEL", &c.Log.Level)
	str("OVERWATCH_LOG_FILE", &c.Log.File)
	str("API_BEARER_TOKEN", &c.BearerToken)

	if v, ok := lookup("OVERWATCH_MAX_RECONNECT_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OVERWATCH_MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		c.MaxReconnectAttempts = n
	}

	return errors.Join(
		dur("OVERWATCH_RECONNECT_DELAY", &c.ReconnectDelay),
		dur("OVERWATCH_CONNECT_TIMEOUT", &c.ConnectTimeout),
		dur("OVERWATCH_STALE_THRESHOLD", &c.StaleThreshold),
		dur("OVERWATCH_SWEEP_INTERVAL", &c.SweepInterval),
		dur("OVERWATCH_DATA_REQUEST_INTERVAL", &c.DataRequestInterval),
	)
}

func (c Config) Validate() error {
	var errs []error
	if c.NATSURL == "" && !c.EmbeddedBroker {
		errs = append(errs, errors.New("nats_url is required"))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"reconnect_delay":       c.ReconnectDelay,
		"connect_timeout":       c.ConnectTimeout,
		"stale_threshold":       c.StaleThreshold,
		"sweep_interval":        c.SweepInterval,
		"data_request_interval": c.DataRequestInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.EmbeddedBroker && (c.BrokerPort == 0 || c.BrokerPort < -1) {
		errs = append(errs, errors.New("broker_port must be a port number or -1"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Journal && c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required when the journal is enabled"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
