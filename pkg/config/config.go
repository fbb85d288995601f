package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	API      APIConfig      `json:"api" yaml:"api"`
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Chat     ChatConfig     `json:"chat" yaml:"chat"`
	Bookings BookingsConfig `json:"bookings" yaml:"bookings"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	mu       sync.RWMutex
}

type APIConfig struct {
	BaseURL        string  `json:"base_url" yaml:"base_url" env:"TOOLSHED_API_BASE_URL"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds" env:"TOOLSHED_API_TIMEOUT_SECONDS"`
	RateLimitRPS   float64 `json:"rate_limit_rps" yaml:"rate_limit_rps" env:"TOOLSHED_API_RATE_LIMIT_RPS"`
	RateLimitBurst int     `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"TOOLSHED_API_RATE_LIMIT_BURST"`
}

type RealtimeConfig struct {
	URL                     string `json:"url" yaml:"url" env:"TOOLSHED_REALTIME_URL"`
	Path                    string `json:"path" yaml:"path" env:"TOOLSHED_REALTIME_PATH"`
	HandshakeTimeoutSeconds int    `json:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds" env:"TOOLSHED_REALTIME_HANDSHAKE_TIMEOUT_SECONDS"`
	WriteTimeoutSeconds     int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds" env:"TOOLSHED_REALTIME_WRITE_TIMEOUT_SECONDS"`
	Reconnect               bool   `json:"reconnect" yaml:"reconnect" env:"TOOLSHED_REALTIME_RECONNECT"`
	ReconnectMaxSeconds     int    `json:"reconnect_max_seconds" yaml:"reconnect_max_seconds" env:"TOOLSHED_REALTIME_RECONNECT_MAX_SECONDS"`
}

type SessionConfig struct {
	StatePath string `json:"state_path" yaml:"state_path" env:"TOOLSHED_SESSION_STATE_PATH"`
}

type ChatConfig struct {
	// OwnerMode routes replies to whoever wrote last.
	OwnerMode       bool `json:"owner_mode" yaml:"owner_mode" env:"TOOLSHED_CHAT_OWNER_MODE"`
	PrefetchWorkers int  `json:"prefetch_workers" yaml:"prefetch_workers" env:"TOOLSHED_CHAT_PREFETCH_WORKERS"`
}

type BookingsConfig struct {
	RequestCap  int    `json:"request_cap" yaml:"request_cap" env:"TOOLSHED_BOOKINGS_REQUEST_CAP"`
	RefreshCron string `json:"refresh_cron" yaml:"refresh_cron" env:"TOOLSHED_BOOKINGS_REFRESH_CRON"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"TOOLSHED_GATEWAY_ENABLED"`
	Host    string `json:"host" yaml:"host" env:"TOOLSHED_GATEWAY_HOST"`
	Port    int    `json:"port" yaml:"port" env:"TOOLSHED_GATEWAY_PORT"`
}

type LoggingConfig struct {
	Level           string `json:"level" yaml:"level" env:"TOOLSHED_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" yaml:"file_enabled" env:"TOOLSHED_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" yaml:"file_path" env:"TOOLSHED_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" yaml:"rotation_enabled" env:"TOOLSHED_LOGGING_ROTATION_ENABLED"`
	MaxSizeMB       int    `json:"max_size_mb" yaml:"max_size_mb" env:"TOOLSHED_LOGGING_MAX_SIZE_MB"`
	MaxAgeDays      int    `json:"max_age_days" yaml:"max_age_days" env:"TOOLSHED_LOGGING_MAX_AGE_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "http://localhost:3000/api",
			TimeoutSeconds: 30,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Realtime: RealtimeConfig{
			URL:                     "http://localhost:3000",
			Path:                    "/socket.io/",
			HandshakeTimeoutSeconds: 10,
			WriteTimeoutSeconds:     10,
			Reconnect:               false,
			ReconnectMaxSeconds:     60,
		},
		Session: SessionConfig{
			StatePath: "~/.toolshed/session.json",
		},
		Chat: ChatConfig{
			OwnerMode:       false,
			PrefetchWorkers: 4,
		},
		Bookings: BookingsConfig{
			RequestCap:  3,
			RefreshCron: "",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     false,
			FilePath:        "~/.toolshed/logs/toolshed.log",
			RotationEnabled: true,
			MaxSizeMB:       10,
			MaxAgeDays:      7,
		},
	}
}

// LoadConfig layers defaults, the config file (JSON, or YAML by extension),
// a .env file next to it, and TOOLSHED_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	dotenv := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(dotenv); statErr == nil {
		// Load never overrides variables already set in the process.
		if err := godotenv.Load(dotenv); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", dotenv, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	resolveEnvRefs(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func resolveEnvRefs(cfg *Config) {
	cfg.API.BaseURL = resolveEnvRef(cfg.API.BaseURL)
	cfg.Realtime.URL = resolveEnvRef(cfg.Realtime.URL)
	cfg.Session.StatePath = resolveEnvRef(cfg.Session.StatePath)
	cfg.Logging.FilePath = resolveEnvRef(cfg.Logging.FilePath)
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		if val, ok := os.LookupEnv(strings.TrimSpace(s[1:])); ok {
			return val
		}
	}
	return v
}

// Validate rejects values the clients cannot start with.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	u, err := url.ParseRequestURI(c.Realtime.URL)
	if err != nil {
		return fmt.Errorf("realtime.url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("realtime.url: unsupported scheme %q", u.Scheme)
	}
	if c.API.TimeoutSeconds < 0 {
		return fmt.Errorf("api.timeout_seconds must not be negative")
	}
	if c.Bookings.RequestCap < 0 {
		return fmt.Errorf("bookings.request_cap must not be negative")
	}
	if c.Bookings.RefreshCron != "" && !gronx.IsValid(c.Bookings.RefreshCron) {
		return fmt.Errorf("bookings.refresh_cron: invalid cron expression %q", c.Bookings.RefreshCron)
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) SessionPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Session.StatePath)
}

func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.FilePath)
}

func (c *Config) APITimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// DefaultPath is ~/.toolshed/config.json.
func DefaultPath() string {
	return expandHome("~/.toolshed/config.json")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
