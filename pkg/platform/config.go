// Package platform provides configuration for the chat backend.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumachat/luma-backend/pkg/provider"
)

// Config holds the complete backend configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Auth      AuthConfig       `yaml:"auth"`
	Database  DatabaseConfig   `yaml:"database"`
	Providers []ProviderConfig `yaml:"providers"`
	Streaming StreamingConfig  `yaml:"streaming"`
	Retrieval RetrievalConfig  `yaml:"retrieval"`
	Finalize  FinalizeConfig   `yaml:"finalize"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	JWT            JWTAuthConfig    `yaml:"jwt"`
	APIKeys        APIKeyAuthConfig `yaml:"api_keys"`
	AllowAnonymous bool             `yaml:"allow_anonymous"` // default: false
}

// JWTAuthConfig configures bearer token verification.
type JWTAuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SigningKey string `yaml:"signing_key"` // HMAC key, base64 or raw
	Issuer     string `yaml:"issuer"`
}

// APIKeyAuthConfig configures API key authentication.
type APIKeyAuthConfig struct {
	Enabled bool        `yaml:"enabled"`
	Keys    []APIKeyDef `yaml:"keys"`
}

// APIKeyDef defines an API key. Hash is a bcrypt hash of the key value.
type APIKeyDef struct {
	Name   string   `yaml:"name"`
	Hash   string   `yaml:"hash"`
	Scopes []string `yaml:"scopes"`
}

// DatabaseConfig configures the database connection. An empty DSN runs the
// backend with in-memory persistence.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ProviderConfig configures one upstream LLM provider endpoint.
type ProviderConfig struct {
	Name           string              `yaml:"name"`
	Kind           string              `yaml:"kind"` // "openai"
	BaseURL        string              `yaml:"base_url"`
	APIKey         string              `yaml:"api_key"`
	Headers        map[string]string   `yaml:"headers"`
	ConnectTimeout time.Duration       `yaml:"connect_timeout"`
	Models         []provider.ModelDef `yaml:"models"`
}

// StreamingConfig exposes the deployment-tunable bounds of the streaming
// core. Defaults are applied where zero.
type StreamingConfig struct {
	// SubscriberQueueBound is the per-connection outbound queue size; a
	// consumer that falls this far behind is disconnected.
	SubscriberQueueBound int `yaml:"subscriber_queue_bound"`

	// ReplayBufferSize bounds the per-session recent-event history kept
	// for reconnecting clients.
	ReplayBufferSize int `yaml:"replay_buffer_size"`

	// GracePeriod is how long a session may have zero attached connections
	// before its generation is cancelled.
	GracePeriod time.Duration `yaml:"grace_period"`

	// RetireAfter is how long a finished session stays readable for late
	// reconnects.
	RetireAfter time.Duration `yaml:"retire_after"`

	// IdleTimeout fails a generation with no upstream activity.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// PerUserSessionLimit bounds concurrent generations per user.
	PerUserSessionLimit int `yaml:"per_user_session_limit"`
}

// RetrievalConfig configures the retrieval-augmentation collaborator.
type RetrievalConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	TopK    int           `yaml:"top_k"`
}

// FinalizeConfig configures finalization retry behavior.
type FinalizeConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "luma-backend"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Streaming.SubscriberQueueBound == 0 {
		cfg.Streaming.SubscriberQueueBound = 64
	}
	if cfg.Streaming.ReplayBufferSize == 0 {
		cfg.Streaming.ReplayBufferSize = 256
	}
	if cfg.Streaming.GracePeriod == 0 {
		cfg.Streaming.GracePeriod = 30 * time.Second
	}
	if cfg.Streaming.RetireAfter == 0 {
		cfg.Streaming.RetireAfter = 30 * time.Second
	}
	if cfg.Streaming.IdleTimeout == 0 {
		cfg.Streaming.IdleTimeout = 60 * time.Second
	}
	if cfg.Streaming.PerUserSessionLimit == 0 {
		cfg.Streaming.PerUserSessionLimit = 4
	}
	if cfg.Finalize.MaxRetries == 0 {
		cfg.Finalize.MaxRetries = 3
	}
	if cfg.Finalize.BackoffBase == 0 {
		cfg.Finalize.BackoffBase = 250 * time.Millisecond
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.JWT.Enabled && c.Auth.JWT.SigningKey == "" {
		errs = append(errs, "auth.jwt.signing_key is required when JWT auth is enabled")
	}
	if c.Auth.APIKeys.Enabled {
		for i, key := range c.Auth.APIKeys.Keys {
			if key.Hash == "" {
				errs = append(errs, fmt.Sprintf("auth.api_keys.keys[%d].hash is required", i))
			}
		}
	}
	if !c.Auth.JWT.Enabled && !c.Auth.APIKeys.Enabled && !c.Auth.AllowAnonymous {
		errs = append(errs, "no authentication method enabled and anonymous access disallowed")
	}

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].name is required", i))
		}
		if p.Kind != "" && p.Kind != "openai" {
			errs = append(errs, fmt.Sprintf("providers[%d].kind %q is not supported", i, p.Kind))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].base_url is required", i))
		}
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Sprintf("providers[%d].models must not be empty", i))
		}
	}

	if c.Retrieval.Enabled && c.Retrieval.BaseURL == "" {
		errs = append(errs, "retrieval.base_url is required when retrieval is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
