package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	OAuth       OAuthConfig       `mapstructure:"oauth"`
	Graph       GraphConfig       `mapstructure:"graph"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Retention   RetentionConfig   `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// CredentialsConfig controls where the delegated Graph credential lives and
// how it is sealed.
type CredentialsConfig struct {
	Driver           string        `mapstructure:"driver"`
	Identity         string        `mapstructure:"identity"`
	EncryptionSecret string        `mapstructure:"encryption_secret"`
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
	Redis            RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type OAuthConfig struct {
	Tenant       string        `mapstructure:"tenant"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
	TokenURL     string        `mapstructure:"token_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type GraphConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxTeams          int           `mapstructure:"max_teams"`
}

type WebhookConfig struct {
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	DedupeTTL    time.Duration `mapstructure:"dedupe_ttl"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	AttemptTTL time.Duration `mapstructure:"attempt_ttl"`
	Interval   time.Duration `mapstructure:"interval"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("teamsrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/teamsrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("TEAMSRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings every command that touches the credential
// depends on.
func (c *Config) Validate() error {
	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	switch c.Credentials.Driver {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unsupported credentials driver: %s", c.Credentials.Driver)
	}
	if c.Credentials.EncryptionSecret == "" {
		return errors.New("credentials.encryption_secret is required")
	}
	if c.Credentials.Identity == "" {
		return errors.New("credentials.identity must not be empty")
	}
	if c.Graph.MaxTeams <= 0 {
		return errors.New("graph.max_teams must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/teamsrelay.db")

	// Secrets default to empty so AutomaticEnv can still bind them on Unmarshal.
	v.SetDefault("credentials.encryption_secret", "")
	v.SetDefault("credentials.redis.password", "")
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.token_url", "")
	v.SetDefault("admin.api_key", "")

	v.SetDefault("credentials.driver", "sqlite")
	v.SetDefault("credentials.identity", "default")
	v.SetDefault("credentials.refresh_threshold", 5*time.Minute)
	v.SetDefault("credentials.redis.addr", "localhost:6379")
	v.SetDefault("credentials.redis.db", 0)
	v.SetDefault("credentials.redis.prefix", "teamsrelay")

	v.SetDefault("oauth.tenant", "common")
	v.SetDefault("oauth.scopes", []string{
		"offline_access",
		"User.Read",
		"Team.ReadBasic.All",
		"Channel.ReadBasic.All",
		"ChannelMessage.Send",
		"ChatMessage.Send",
	})
	v.SetDefault("oauth.timeout", 15*time.Second)

	v.SetDefault("graph.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("graph.timeout", 15*time.Second)
	v.SetDefault("graph.requests_per_second", 10.0)
	v.SetDefault("graph.burst", 15)
	v.SetDefault("graph.max_teams", 50)

	v.SetDefault("webhook.max_body_bytes", 256*1024)
	v.SetDefault("webhook.dedupe_ttl", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("retention.attempt_ttl", 30*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)
}
