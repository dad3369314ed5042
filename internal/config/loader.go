package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrNotFound is returned by Discover when no config file exists in any
// standard location.
var ErrNotFound = errors.New("no config found (checked: $TASKSERVER_CONFIG, ~/.config/taskserver, /etc/taskserver, ./config.yaml)")

// Load reads configuration from a file, or from config.yaml inside a directory.
// Values missing from the file keep their defaults. If a .checksums manifest
// sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if err := verifyLocked(absPath, data); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	cfg.Fingerprint = hashBytes(data)
	return cfg, nil
}

// Parse decodes YAML over Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Service.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Service.LogFormat))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $TASKSERVER_CONFIG, ~/.config/taskserver, /etc/taskserver, ./config.yaml
func Discover() (string, error) {
	if p := os.Getenv("TASKSERVER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "taskserver")
		if fileExists(filepath.Join(userConfigDir, "config.yaml")) {
			return userConfigDir, nil
		}
	}

	if fileExists(filepath.Join("/etc/taskserver", "config.yaml")) {
		return "/etc/taskserver", nil
	}

	if fileExists("./config.yaml") {
		return "./config.yaml", nil
	}

	return "", ErrNotFound
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Service.HeartbeatTimeout <= 0 {
		return fmt.Errorf("service.heartbeat_timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.Service.LogFormat {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("service.log_format must be one of: json, console, auto (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.JournalRetention < 0 {
		return fmt.Errorf("state.journal_retention must not be negative")
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}

	for field, value := range map[string]string{
		"state.path":       cfg.State.Path,
		"api.listen":       cfg.API.Listen,
		"channel.endpoint": cfg.Channel.Endpoint,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	if cfg.Channel.Endpoint != "" {
		u, err := url.Parse(cfg.Channel.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("channel.endpoint must be an http(s) URL (got %q)", cfg.Channel.Endpoint)
		}
	}

	timeouts := []struct {
		name string
		val  int64
	}{
		{"channel.connect_timeout", int64(cfg.Channel.ConnectTimeout)},
		{"channel.retry_interval", int64(cfg.Channel.RetryInterval)},
		{"channel.poll_interval", int64(cfg.Channel.PollInterval)},
		{"channel.request_timeout", int64(cfg.Channel.RequestTimeout)},
	}
	for _, tm := range timeouts {
		if tm.val <= 0 {
			return fmt.Errorf("%s must be positive", tm.name)
		}
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
