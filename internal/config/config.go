// Package config loads the daemon configuration from a TOML file. Defaults
// cover every field, so an absent or empty file yields a runnable single-node
// setup; the file only overrides what it names.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dropwire/dropwire/internal/dropwire"
)

const configFileName = "dropwire.toml"

// Server configures the upload gateway.
type Server struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	// AuthToken is the bearer token upload requests must present.
	AuthToken string `toml:"auth_token"`
}

// Storage configures where durable state lives.
type Storage struct {
	// Path holds the WAL, object tree, cursor and journal databases. Empty
	// means the default data directory.
	Path string `toml:"path"`
}

// Changelog configures the sharded change log.
type Changelog struct {
	Shards            int `toml:"shards"`
	RetentionHours    int `toml:"retention_hours"`
	SweepIntervalSecs int `toml:"sweep_interval_seconds"`
}

// Relay configures the change relay.
type Relay struct {
	StartPosition      string `toml:"start_position"`
	BatchSize          int    `toml:"batch_size"`
	PollIntervalMillis int    `toml:"poll_interval_millis"`
	MaxAttempts        int    `toml:"max_attempts"`
	InitialBackoffMs   int    `toml:"initial_backoff_millis"`
	MaxBackoffMs       int    `toml:"max_backoff_millis"`
	// OnExhausted is "deadletter" (advance and journal the batch) or "stall"
	// (hold the cursor until the fault clears).
	OnExhausted string `toml:"on_exhausted"`
}

// Worker configures the downstream processing worker endpoint.
type Worker struct {
	Endpoint       string `toml:"endpoint"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Feed configures the live change feed listener.
type Feed struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type Config struct {
	Server    Server    `toml:"server"`
	Storage   Storage   `toml:"storage"`
	Changelog Changelog `toml:"changelog"`
	Relay     Relay     `toml:"relay"`
	Worker    Worker    `toml:"worker"`
	Feed      Feed      `toml:"feed"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Server: Server{
			Address: "127.0.0.1",
			Port:    8080,
		},
		Changelog: Changelog{
			Shards:            4,
			RetentionHours:    24,
			SweepIntervalSecs: 60,
		},
		Relay: Relay{
			StartPosition:      "TRIM_HORIZON",
			BatchSize:          1,
			PollIntervalMillis: 200,
			MaxAttempts:        5,
			InitialBackoffMs:   100,
			MaxBackoffMs:       5000,
			OnExhausted:        "deadletter",
		},
		Worker: Worker{
			Endpoint:       "http://127.0.0.1:9090/process",
			TimeoutSeconds: 30,
		},
		Feed: Feed{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    32496,
		},
	}
}

// Load reads the configuration file at path, or the default location when
// path is empty. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Storage.Path == "" {
		dir, err := dropwire.GetDropwireDir()
		if err != nil {
			return nil, err
		}
		cfg.Storage.Path = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := dropwire.GetDropwireDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Server.Address == "" {
		errGrp = append(errGrp, errors.New("server.address cannot be empty"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errGrp = append(errGrp, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Changelog.Shards < 1 || c.Changelog.Shards > 50 {
		errGrp = append(errGrp, fmt.Errorf("changelog.shards must be between 1 and 50, got %d", c.Changelog.Shards))
	}
	if c.Changelog.RetentionHours <= 0 {
		errGrp = append(errGrp, errors.New("changelog.retention_hours must be greater than 0"))
	}
	if c.Changelog.SweepIntervalSecs <= 0 {
		errGrp = append(errGrp, errors.New("changelog.sweep_interval_seconds must be greater than 0"))
	}
	switch c.Relay.StartPosition {
	case "LATEST", "TRIM_HORIZON":
	default:
		errGrp = append(errGrp, fmt.Errorf("relay.start_position must be LATEST or TRIM_HORIZON, got %q", c.Relay.StartPosition))
	}
	switch c.Relay.OnExhausted {
	case "deadletter", "stall":
	default:
		errGrp = append(errGrp, fmt.Errorf("relay.on_exhausted must be %q or %q, got %q", "deadletter", "stall", c.Relay.OnExhausted))
	}
	if c.Relay.BatchSize < 1 {
		errGrp = append(errGrp, fmt.Errorf("relay.batch_size must be at least 1, got %d", c.Relay.BatchSize))
	}
	if c.Relay.MaxAttempts < 1 {
		errGrp = append(errGrp, fmt.Errorf("relay.max_attempts must be at least 1, got %d", c.Relay.MaxAttempts))
	}
	if c.Worker.Endpoint == "" {
		errGrp = append(errGrp, errors.New("worker.endpoint cannot be empty"))
	}
	if c.Worker.TimeoutSeconds <= 0 {
		errGrp = append(errGrp, errors.New("worker.timeout_seconds must be greater than 0"))
	}
	if c.Feed.Enabled {
		if c.Feed.Address == "" {
			errGrp = append(errGrp, errors.New("feed.address cannot be empty"))
		}
		if c.Feed.Port < 0 || c.Feed.Port > 65535 {
			errGrp = append(errGrp, fmt.Errorf("feed.port out of range: %d", c.Feed.Port))
		}
	}
	return errors.Join(errGrp...)
}

// Retention reports the change log retention as a duration.
func (c *Changelog) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// SweepInterval reports the reaper sweep cadence as a duration.
func (c *Changelog) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// PollInterval reports the relay poll cadence as a duration.
func (r *Relay) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMillis) * time.Millisecond
}

// InitialBackoff reports the first retry delay as a duration.
func (r *Relay) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff reports the retry delay ceiling as a duration.
func (r *Relay) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// Timeout reports the worker invocation timeout as a duration.
func (w *Worker) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}
