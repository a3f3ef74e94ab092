package config

import (
	"fmt"
	"log/slog"
	"os"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LLAMACTL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "LLAMACTL_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "engine.backend", typ: kString, env: "LLAMACTL_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.base_url", typ: kString, env: "LLAMACTL_ENGINE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseURL },
	},
	{
		key: "engine.token_budget", typ: kInt, env: "LLAMACTL_ENGINE_TOKEN_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Engine.TokenBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.TokenBudget },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LLAMACTL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.models_dir", typ: kString, env: "LLAMACTL_STORAGE_MODELS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ModelsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ModelsDir },
	},
	{
		key: "download.default_artifact", typ: kString, env: "LLAMACTL_DOWNLOAD_DEFAULT_ARTIFACT",
		apply:   func(cfg *Config, v any) { cfg.Download.DefaultArtifact = v.(string) },
		extract: func(cfg Config) any { return cfg.Download.DefaultArtifact },
	},
	{
		key: "log.level", typ: kString, env: "LLAMACTL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "api.token", typ: kString, env: apiTokenEnv,
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := readKey(b, s)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

// lookupSpec returns the table entry for key.
func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
