package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
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
		key: "storage.path", typ: kString, env: "LLMDUMP_STORAGE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Storage.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Path },
	},
	{
		key: "upstream.base_url", typ: kString, env: "LLMDUMP_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.api_key", typ: kString, env: "LLMDUMP_UPSTREAM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.APIKey },
	},
	{
		key: "server.port", typ: kInt, env: "LLMDUMP_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LLMDUMP_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "sync.endpoint", typ: kString, env: "LLMDUMP_SYNC_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Sync.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Endpoint },
	},
	{
		key: "sync.token", typ: kString, env: "LLMDUMP_SYNC_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Token },
	},
	{
		key: "sync.token_url", typ: kString, env: "LLMDUMP_SYNC_TOKEN_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.TokenURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.TokenURL },
	},
	{
		key: "sync.client_id", typ: kString, env: "LLMDUMP_SYNC_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Sync.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ClientID },
	},
	{
		key: "sync.client_secret", typ: kString, env: "LLMDUMP_SYNC_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ClientSecret },
	},
	{
		key: "sync.repo", typ: kString, env: "LLMDUMP_SYNC_REPO",
		apply:   func(cfg *Config, v any) { cfg.Sync.Repo = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Repo },
	},
	{
		key: "sync.private", typ: kBool, env: "LLMDUMP_SYNC_PRIVATE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Private = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.Private },
	},
	{
		key: "sync.every", typ: kInt, env: "LLMDUMP_SYNC_EVERY",
		apply:   func(cfg *Config, v any) { cfg.Sync.Every = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.Every },
	},
	{
		key: "sync.interval", typ: kDuration, env: "LLMDUMP_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.export_path", typ: kString, env: "LLMDUMP_SYNC_EXPORT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Sync.ExportPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ExportPath },
	},
	{
		key: "record.tags", typ: kString, env: "LLMDUMP_RECORD_TAGS",
		apply:   func(cfg *Config, v any) { cfg.Record.Tags = v.(string) },
		extract: func(cfg Config) any { return cfg.Record.Tags },
	},
	{
		key: "record.isolate_store_errors", typ: kBool, env: "LLMDUMP_RECORD_ISOLATE_STORE_ERRORS",
		apply:   func(cfg *Config, v any) { cfg.Record.IsolateStoreErrors = v.(bool) },
		extract: func(cfg Config) any { return cfg.Record.IsolateStoreErrors },
	},
	{
		key: "log.level", typ: kString, env: "LLMDUMP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw into the Go value for s.typ.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := s.parse(raw)
			if err != nil {
				slog.Warn("ignoring invalid config value", "key", s.key, "value", raw, "error", err)
				continue
			}
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
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid environment value", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
