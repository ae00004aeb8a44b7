package config

import (
	"strings"
	"time"
)

type Config struct {
	Storage  StorageConfig
	Upstream UpstreamConfig
	Server   ServerConfig
	Sync     SyncConfig
	Record   RecordConfig
	Log      LogConfig
}

type StorageConfig struct {
	// Path of the SQLite database. Empty means ./store.db.
	Path string
}

type UpstreamConfig struct {
	BaseURL string
	APIKey  string
}

type ServerConfig struct {
	Port int
	// Token guards the record routes. Empty disables auth.
	Token string
}

type SyncConfig struct {
	Endpoint string
	Token    string
	// TokenURL enables OAuth2 client-credentials auth against Endpoint.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Repo         string
	Private      bool
	Every        int
	Interval     time.Duration
	ExportPath   string
}

// Enabled reports whether any sink is configured.
func (s SyncConfig) Enabled() bool {
	return s.Endpoint != "" || s.ExportPath != ""
}

type RecordConfig struct {
	// Tags is a comma-separated list attached to every record.
	Tags               string
	IsolateStoreErrors bool
}

// TagList splits Tags, dropping blanks.
func (r RecordConfig) TagList() []string {
	tags := []string{}
	for _, t := range strings.Split(r.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Server: ServerConfig{
			Port: 4000,
		},
		Sync: SyncConfig{
			Private:  true,
			Every:    100,
			Interval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at ConfigFilePath, then applies
// LLMDUMP_* environment overrides. Secrets come from the environment or,
// failing that, from $XDG_DATA_HOME/llmdump/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), secretsFile{path: secretsFilePath()})
}

// secretSource abstracts secret lookup for testing.
type secretSource interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretSource) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}
