package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendHTTP      = "http"
	BackendWebSocket = "websocket"
	BackendMock      = "mock"
)

const (
	StorageSQLite = "sqlite"
	StorageRPC    = "rpc"
	StorageNone   = "none"
)

// Config holds application configuration
type Config struct {
	Backend    string        `yaml:"backend"`
	BaseURL    string        `yaml:"base_url"`     // HTTP backend root, e.g. "http://localhost:8000"
	StreamURL  string        `yaml:"stream_url"`   // WebSocket endpoint for the websocket backend
	APIKeyEnv  string        `yaml:"api_key_env"`  // Environment variable holding the backend API key
	Timeout    time.Duration `yaml:"timeout"`      // Timeout for non-streaming calls
	IntentTTL  time.Duration `yaml:"intent_ttl"`   // How long classified intents are cached, 0 disables

	Storage string `yaml:"storage"`
	DBPath  string `yaml:"db_path"`
	RPCURL  string `yaml:"rpc_url"`

	// Auth flags are supplied by the host; the engine only reads them
	Authenticated bool `yaml:"authenticated"`
	Guest         bool `yaml:"guest"`

	SessionID string `yaml:"session_id"` // Session to activate on start (authenticated only)
	LogDir    string `yaml:"log_dir"`
	Debug     bool   `yaml:"debug"`
}

// Default returns the configuration used when no file or flags are given.
func Default() Config {
	return Config{
		Backend:   BackendMock,
		BaseURL:   "http://localhost:8000",
		StreamURL: "ws://localhost:8000/ws/stream",
		APIKeyEnv: "NUTRICHAT_API_KEY",
		Timeout:   30 * time.Second,
		IntentTTL: 5 * time.Minute,
		Storage:   StorageSQLite,
		DBPath:    "nutrichat.db",
		Guest:     true,
		LogDir:    "logs",
	}
}

// Load reads a YAML config file on top of Default. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the backend and storage choices are usable.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.BaseURL == "" {
			return fmt.Errorf("base_url is required for the %s backend", c.Backend)
		}
	case BackendWebSocket:
		if c.BaseURL == "" || c.StreamURL == "" {
			return fmt.Errorf("base_url and stream_url are required for the %s backend", c.Backend)
		}
	case BackendMock:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}

	switch c.Storage {
	case StorageSQLite:
		if c.DBPath == "" {
			return errors.New("db_path is required for sqlite storage")
		}
	case StorageRPC:
		if c.RPCURL == "" {
			return errors.New("rpc_url is required for rpc storage")
		}
	case StorageNone:
	default:
		return fmt.Errorf("unknown storage: %s", c.Storage)
	}
	return nil
}

// APIKey returns the backend API key from the configured environment variable.
func (c Config) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}
