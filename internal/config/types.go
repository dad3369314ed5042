package config

import "time"

// Config represents the complete taskserver configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api"`
	Channel ChannelConfig `yaml:"channel"`

	// SourcePath is the absolute path the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
	// Fingerprint is the BLAKE3 hash of the loaded file.
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core scheduler settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	LogLevel         string        `yaml:"log_level"`
	// LogFormat is json, console, or auto (console when stdout is a terminal).
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where the job journal lives.
type StateConfig struct {
	Path             string        `yaml:"path"`
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// APIConfig defines the admin HTTP server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// CORSOrigins enables cross-origin access for browser dashboards.
	CORSOrigins []string `yaml:"cors_origins"`
}

// ChannelConfig tunes the per-agent dispatch channels.
type ChannelConfig struct {
	// Endpoint is used for agents that register without their own endpoint.
	Endpoint       string        `yaml:"endpoint"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ChecksumManifest is the .checksums file written by `config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "taskserver",
			TickInterval:     time.Second,
			HeartbeatTimeout: 10 * time.Second,
			LogLevel:         "info",
			LogFormat:        "json",
		},
		State: StateConfig{
			Path:             "./data/journal.db",
			JournalRetention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Channel: ChannelConfig{
			Endpoint:       "http://127.0.0.1:7420",
			ConnectTimeout: 30 * time.Second,
			RetryInterval:  time.Second,
			PollInterval:   500 * time.Millisecond,
			RequestTimeout: 5 * time.Second,
		},
	}
}
