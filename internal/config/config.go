// Package config provides YAML-based configuration loading for the GSB
// support backend.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from gsb.yaml.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Storage  StorageConfig   `yaml:"storage"`
	Realtime RealtimeConfig  `yaml:"realtime"`
	Broker   BrokerConfig    `yaml:"broker"`
	Notify   NotifyConfig    `yaml:"notify"`
	Log      LogConfig       `yaml:"log"`
	Handlers []HandlerConfig `yaml:"handlers"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Env            string   `yaml:"env"` // "development" or "production"
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

// DatabaseConfig selects the gorm dialect and connection target.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DSN      string `yaml:"dsn"` // overrides the discrete fields when set
}

// StorageConfig configures where attached media is uploaded.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // disk or s3
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"public_base_url"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
}

// RealtimeConfig tunes the live broadcast gateway.
type RealtimeConfig struct {
	SendBuffer   int    `yaml:"send_buffer"`
	GapTimeoutMs int    `yaml:"gap_timeout_ms"`
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
}

// BrokerConfig enables lifecycle event export to RabbitMQ.
type BrokerConfig struct {
	URL          string `yaml:"url"`
	Exchange     string `yaml:"exchange"`
	Producer     string `yaml:"producer"`
	DialAttempts int    `yaml:"dial_attempts"`
	RetryDelayMs int    `yaml:"retry_delay_ms"`
}

// NotifyConfig controls support-team chat notifications.
type NotifyConfig struct {
	Platform string        `yaml:"platform"` // slack, discord or empty
	Channel  string        `yaml:"channel"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
	Digest   DigestConfig  `yaml:"digest"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DigestConfig schedules the open-queue digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// HandlerConfig seeds a support agent into the database.
type HandlerConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	Department string `yaml:"department"`
}

// envOverrides maps environment variables to the fields they replace.
// Secrets belong in the environment rather than the YAML file.
var envOverrides = []struct {
	key   string
	apply func(c *Config, v string)
}{
	{"GSB_DATABASE_DSN", func(c *Config, v string) { c.Database.DSN = v }},
	{"GSB_DATABASE_PASSWORD", func(c *Config, v string) { c.Database.Password = v }},
	{"GSB_REDIS_URL", func(c *Config, v string) { c.Realtime.RedisURL = v }},
	{"GSB_AMQP_URL", func(c *Config, v string) { c.Broker.URL = v }},
	{"GSB_SLACK_BOT_TOKEN", func(c *Config, v string) { c.Notify.Slack.BotToken = v }},
	{"GSB_DISCORD_BOT_TOKEN", func(c *Config, v string) { c.Notify.Discord.BotToken = v }},
	{"GSB_S3_BUCKET", func(c *Config, v string) { c.Storage.Bucket = v }},
}

// Load reads a YAML config file from path, applies environment overrides
// (including a .env file when present) and returns a validated Config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if getenv != nil {
		cfg.applyEnv(getenv)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(getenv(o.key)); v != "" {
			o.apply(c, v)
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 50 << 20
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
	case "sqlite":
		if c.Database.Name == "" && c.Database.DSN == "" {
			c.Database.Name = "gsb.db"
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "gsb"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "disk"
	}
	if c.Storage.Backend == "disk" {
		if c.Storage.Dir == "" {
			c.Storage.Dir = "uploads"
		}
		if c.Storage.PublicBaseURL == "" {
			c.Storage.PublicBaseURL = fmt.Sprintf("http://localhost:%d/media", c.Server.Port)
		}
	}

	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Realtime.GapTimeoutMs <= 0 {
		c.Realtime.GapTimeoutMs = 250
	}
	if c.Realtime.RedisChannel == "" {
		c.Realtime.RedisChannel = "gsb:support:events"
	}

	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "gsb.support"
	}
	if c.Broker.Producer == "" {
		c.Broker.Producer = "gsb-admin-backend"
	}
	if c.Broker.DialAttempts <= 0 {
		c.Broker.DialAttempts = 5
	}
	if c.Broker.RetryDelayMs <= 0 {
		c.Broker.RetryDelayMs = 500
	}

	if c.Notify.Digest.Cron == "" {
		c.Notify.Digest.Cron = "0 9 * * 1-5"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Env == "development" {
		c.Log.Pretty = true
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.Env != "development" && c.Server.Env != "production" {
		errs = append(errs, fmt.Sprintf("server.env must be development or production, got %q", c.Server.Env))
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.DSN == "" && c.Database.User == "" {
			errs = append(errs, "database.user is required for "+c.Database.Driver)
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Storage.Backend {
	case "disk":
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, "storage.bucket is required for s3")
		}
		if c.Storage.Region == "" {
			errs = append(errs, "storage.region is required for s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported", c.Storage.Backend))
	}

	switch c.Notify.Platform {
	case "":
		if c.Notify.Digest.Enabled {
			errs = append(errs, "notify.digest requires notify.platform")
		}
	case "slack":
		if c.Notify.Slack.BotToken == "" {
			errs = append(errs, "notify.slack.bot_token is required")
		}
		if c.Notify.Channel == "" {
			errs = append(errs, "notify.channel is required")
		}
	case "discord":
		if c.Notify.Discord.BotToken == "" {
			errs = append(errs, "notify.discord.bot_token is required")
		}
		if c.Notify.Channel == "" {
			errs = append(errs, "notify.channel is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.platform %q is not supported", c.Notify.Platform))
	}

	seen := make(map[string]bool)
	for i, h := range c.Handlers {
		if h.ID == "" {
			errs = append(errs, fmt.Sprintf("handlers[%d].id is required", i))
			continue
		}
		if seen[h.ID] {
			errs = append(errs, fmt.Sprintf("handlers[%d].id %q is duplicated", i, h.ID))
		}
		seen[h.ID] = true
		if h.Name == "" {
			errs = append(errs, fmt.Sprintf("handlers[%d].name is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}
