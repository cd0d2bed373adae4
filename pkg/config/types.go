package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Feed      FeedConfig      `yaml:"feed"`
	Engine    EngineConfig    `yaml:"engine"`
	Security  SecurityConfig  `yaml:"security"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Addr joins address and port into a listen address.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// StorageConfig holds the message log settings.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
	// RoomPageSize bounds room history queries; 0 means unbounded.
	RoomPageSize int `yaml:"room_page_size"`
	// DirectPageSize bounds direct-thread queries; 0 means unbounded.
	DirectPageSize int `yaml:"direct_page_size"`
	// LegacyChannel names the secondary room keyspace tried when the
	// primary channel is not provisioned.
	LegacyChannel string `yaml:"legacy_channel"`
}

// FeedConfig holds change-feed and subscription settings.
type FeedConfig struct {
	// Buffer is the per-subscriber event buffer size.
	Buffer int `yaml:"buffer"`
	// ReplayWindow is how many recent confirmed ids a resubscriber keeps
	// to detect gaps after a reconnect.
	ReplayWindow int `yaml:"replay_window"`
	Reconnect    struct {
		InitialInterval Duration `yaml:"initial_interval"`
		MaxInterval     Duration `yaml:"max_interval"`
		MaxElapsedTime  Duration `yaml:"max_elapsed_time"`
	} `yaml:"reconnect"`
}

// EngineConfig holds view-engine settings.
type EngineConfig struct {
	// PendingTimeout is how long a local echo may stay pending before it is
	// flipped to unconfirmed for display.
	PendingTimeout Duration `yaml:"pending_timeout"`
	// StrictReconcile retires exactly one echo by correlation id instead of
	// clearing every pending message from the sender.
	StrictReconcile bool `yaml:"strict_reconcile"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Cron      string `yaml:"cron"`
	Period    string `yaml:"period"`
	BatchSize int    `yaml:"batch_size"`
	DryRun    bool   `yaml:"dry_run"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Duration is a wrapper around time.Duration that supports YAML parsing
// from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
