package config

import (
	"fmt"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Engine   EngineConfig
	Storage  StorageConfig
	Download DownloadConfig
	Log      LogConfig
	API      APIConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type EngineConfig struct {
	Backend     string
	BaseURL     string
	TokenBudget int
}

type StorageConfig struct {
	DataDir   string
	ModelsDir string
}

type DownloadConfig struct {
	// DefaultArtifact is the filename loaded when none is named. Empty
	// selects the first catalog entry.
	DefaultArtifact string
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: true,
		},
		Engine: EngineConfig{
			Backend:     "ollama",
			BaseURL:     "http://localhost:11434",
			TokenBudget: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.llamactl.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/llamactl/config.json.
//
// Environment variables (LLAMACTL_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Storage.ModelsDir == "" {
		cfg.Storage.ModelsDir = filepath.Join(cfg.Storage.DataDir, "models")
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d is out of range", cfg.Server.Port)
	}
	if cfg.Engine.TokenBudget <= 0 {
		return fmt.Errorf("invalid config: engine.token_budget must be positive, got %d", cfg.Engine.TokenBudget)
	}
	if cfg.Engine.BaseURL == "" {
		return fmt.Errorf("invalid config: engine.base_url is empty")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid config: log.level %q (want debug, info, warn or error)", cfg.Log.Level)
	}
	return nil
}
