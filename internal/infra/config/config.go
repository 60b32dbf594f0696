package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the connection target and protocol timers.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"` // may be stored "enc:"-prefixed, see secrets.go
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay,omitempty"`
}

// ChatConfig holds conversation-layer settings.
type ChatConfig struct {
	SessionKey   string        `yaml:"session_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
	HistoryLimit int           `yaml:"history_limit"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr", "discard", or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// StoreConfig holds local transcript archive settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the top-level application configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Chat    ChatConfig    `yaml:"chat"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Store   StoreConfig   `yaml:"store"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".clawterm")
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Gateway: GatewayConfig{
			URL:            "ws://127.0.0.1:18789",
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Chat: ChatConfig{
			SessionKey:   "default",
			PollInterval: 2 * time.Second,
			HistoryLimit: 50,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: filepath.Join(dataDir, "clawterm.log"),
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "transcript.db"),
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			return cfg, decryptSecrets(cfg, os.Getenv("CLAWTERM_CONFIG_KEY"))
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, os.Getenv("CLAWTERM_CONFIG_KEY")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CLAWTERM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWTERM_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWTERM_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CLAWTERM_SESSION_KEY"); v != "" {
		cfg.Chat.SessionKey = v
	}
	if v := os.Getenv("CLAWTERM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWTERM_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CLAWTERM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWTERM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CLAWTERM_STORE_ENABLED"); v == "true" {
		cfg.Store.Enabled = true
	}
	if v := os.Getenv("CLAWTERM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CLAWTERM_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chat.HistoryLimit = n
		}
	}
}

// SaveCredentials writes the gateway URL and token back to the config
// file, preserving other settings. Called after every successful connect.
func SaveCredentials(path, url, token string) error {
	cfg := Defaults()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Gateway.URL = url
	cfg.Gateway.Token = token

	// Keep the token encrypted at rest when a config key is set.
	if passphrase := os.Getenv("CLAWTERM_CONFIG_KEY"); passphrase != "" && token != "" {
		enc, err := EncryptValue(token, passphrase)
		if err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
		cfg.Gateway.Token = "enc:" + enc
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// validatePermissions checks the config file has restrictive permissions;
// it carries the gateway token.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
