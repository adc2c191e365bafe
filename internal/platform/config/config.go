package config

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Auth       AuthConfig       `mapstructure:"auth"`
	ReadyCheck ReadyCheckConfig `mapstructure:"ready_check"`
	History    HistoryConfig    `mapstructure:"history"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// RateLimit is the per-caller request rate in requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	// Driver is either "sqlite3" or "postgres".
	Driver         string        `mapstructure:"driver"`
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
}

type BridgeConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	ID                string        `mapstructure:"id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type AuthConfig struct {
	StaticToken  string        `mapstructure:"static_token"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	ExpiryMargin time.Duration `mapstructure:"expiry_margin"`
}

type ReadyCheckConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Period       time.Duration `mapstructure:"period"`
	BatchSize    int           `mapstructure:"batch_size"`
	EndpointType string        `mapstructure:"endpoint_type"`
	SubTypes     []string      `mapstructure:"sub_types"`
	// LeaseTTL applies to SQLite, where endpoints are leased instead of row locked.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type HistoryConfig struct {
	// AcceptLegacyOutcome honours the string "outcome" field of patch payloads.
	// Turn it off once every sender reports the boolean "successful" field.
	AcceptLegacyOutcome bool `mapstructure:"accept_legacy_outcome"`
}

type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	// TokenTTL is the lifetime of tokens minted with `server -issue-token`.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// minSecretLength is the HS256 key size.
const minSecretLength = 32

// placeholderSecrets are sample values that must never sign tokens.
var placeholderSecrets = []string{"change-me", "changeme", "secret", "test-secret"}

// ValidateSecret rejects a missing, placeholder or short signing secret.
func (c JWTConfig) ValidateSecret() error {
	secret := strings.TrimSpace(c.Secret)
	switch {
	case secret == "":
		return errors.New("jwt.secret is not set")
	case slices.Contains(placeholderSecrets, strings.ToLower(secret)):
		return errors.New("jwt.secret is a placeholder value")
	case len(secret) < minSecretLength:
		return errors.New("jwt.secret must be at least 32 bytes")
	}
	return nil
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.rate_limit", 200.0)
	v.SetDefault("server.rate_burst", 50)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "file:data/notifications.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("bridge.timeout", 10*time.Second)
	v.SetDefault("bridge.requests_per_second", 20.0)
	v.SetDefault("bridge.burst", 5)

	v.SetDefault("auth.expiry_margin", 30*time.Second)

	v.SetDefault("ready_check.enabled", true)
	v.SetDefault("ready_check.period", 10*time.Second)
	v.SetDefault("ready_check.batch_size", 100)
	v.SetDefault("ready_check.endpoint_type", "camel")
	v.SetDefault("ready_check.sub_types", []string{"slack"})
	v.SetDefault("ready_check.lease_ttl", 15*time.Minute)

	v.SetDefault("history.accept_legacy_outcome", true)

	v.SetDefault("jwt.issuer", "notifications")
	v.SetDefault("jwt.token_ttl", 24*time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
