package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/cyderes/media-ingestion-service/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Ingestion IngestionConfig `koanf:"ingestion"`
	Reddit    RedditConfig    `koanf:"reddit"`
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type          string `koanf:"type"`   // "postgresql", "mongodb", "dynamodb", "memory"
	Region        string `koanf:"region"` // For AWS DynamoDB
	TableName     string `koanf:"table_name"`
	Endpoint      string `koanf:"endpoint"` // Custom endpoint for local testing
	MongoDBURI    string `koanf:"mongodb_uri"`
	MongoDatabase string `koanf:"mongodb_database"`
	PostgresURI   string `koanf:"postgres_uri"`
}

// SourceConfig names one content source and how many top items to pull from it
type SourceConfig struct {
	Name  string `koanf:"name"`
	Count int    `koanf:"count"`
}

// IngestionConfig holds ingestion-related configuration
type IngestionConfig struct {
	Enabled    bool           `koanf:"enabled"`
	Sources    []SourceConfig `koanf:"sources"`
	Interval   time.Duration  `koanf:"interval"`
	Timeout    time.Duration  `koanf:"timeout"`
	RetryCount int            `koanf:"retry_count"`
}

// RedditConfig holds credentials and limits for the Reddit API
type RedditConfig struct {
	BaseURL      string  `koanf:"base_url"`
	TokenURL     string  `koanf:"token_url"`
	ClientID     string  `koanf:"client_id"`
	ClientSecret string  `koanf:"client_secret"`
	UserAgent    string  `koanf:"user_agent"`
	TimeWindow   string  `koanf:"time_window"`
	RateLimit    float64 `koanf:"rate_limit"` // requests per second
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `koanf:"port"`
	LoginRateLimit  int           `koanf:"login_rate_limit"`
	LoginRateWindow time.Duration `koanf:"login_rate_window"`
}

// AuthConfig holds token signing configuration and the users seeded into
// the memory backend
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
	Users     []models.User `koanf:"users"`
}

// LoggingConfig holds log output configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ConfigPathEnvVar overrides the config file location
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// DefaultSources is the subreddit list scraped when none is configured
var DefaultSources = []SourceConfig{
	{Name: "memes", Count: 250},
	{Name: "me_irl", Count: 100},
	{Name: "dankmemes", Count: 100},
	{Name: "memeeconomy", Count: 100},
	{Name: "holup", Count: 100},
	{Name: "funny", Count: 100},
	{Name: "adviceanimals", Count: 25},
	{Name: "oddlysatisfying", Count: 100},
	{Name: "facepalm", Count: 100},
}

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:          "postgresql",
			Region:        "us-west-2",
			TableName:     "posts",
			MongoDatabase: "media",
		},
		Ingestion: IngestionConfig{
			Enabled:    true,
			Sources:    DefaultSources,
			Interval:   7 * 24 * time.Hour,
			Timeout:    30 * time.Second,
			RetryCount: 3,
		},
		Reddit: RedditConfig{
			BaseURL:    "https://oauth.reddit.com",
			TokenURL:   "https://www.reddit.com/api/v1/access_token",
			UserAgent:  "media-ingestion-service/1.0",
			TimeWindow: "week",
			RateLimit:  1,
		},
		Server: ServerConfig{
			Port:            8080,
			LoginRateLimit:  10,
			LoginRateWindow: time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DynamoDBMaxBatch is the most posts a single dynamodb upsert can merge,
// bounded by the TransactWriteItems limit
const DynamoDBMaxBatch = 100

// envMappings maps environment variables onto config keys. Unmapped
// variables are ignored.
var envMappings = map[string]string{
	"storage_type":       "storage.type",
	"aws_region":         "storage.region",
	"table_name":         "storage.table_name",
	"dynamodb_endpoint":  "storage.endpoint",
	"mongodb_uri":        "storage.mongodb_uri",
	"mongodb_database":   "storage.mongodb_database",
	"postgres_uri":       "storage.postgres_uri",
	"ingestion_enabled":  "ingestion.enabled",
	"ingestion_interval": "ingestion.interval",
	"api_timeout":        "ingestion.timeout",
	"retry_count":        "ingestion.retry_count",
	"reddit_base_url":    "reddit.base_url",
	"reddit_token_url":   "reddit.token_url",
	"reddit_client_id":   "reddit.client_id",
	"reddit_secret":      "reddit.client_secret",
	"reddit_user_agent":  "reddit.user_agent",
	"reddit_rate_limit":  "reddit.rate_limit",
	"server_port":        "server.port",
	"login_rate_limit":   "server.login_rate_limit",
	"jwt_secret":         "auth.jwt_secret",
	"token_ttl":          "auth.token_ttl",
	"log_level":          "logging.level",
	"log_format":         "logging.format",
}

func envTransform(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// Load loads configuration from defaults, an optional YAML file and
// environment variables, in increasing priority. .env files are read into
// the environment first.
func Load() (*Config, error) {
	// .env files are optional; variables already set win
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if raw := os.Getenv("INGESTION_SOURCES"); raw != "" {
		sources, err := ParseSources(raw)
		if err != nil {
			return nil, err
		}
		if err := k.Set("ingestion.sources", sources); err != nil {
			return nil, fmt.Errorf("failed to set ingestion sources: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ParseSources parses "name:count,name:count" into source configs
func ParseSources(raw string) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, countStr, ok := strings.Cut(part, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid source %q: expected name:count", part)
		}
		var count int
		if _, err := fmt.Sscanf(countStr, "%d", &count); err != nil {
			return nil, fmt.Errorf("invalid count for source %q: %w", name, err)
		}
		out = append(out, map[string]interface{}{"name": name, "count": count})
	}
	return out, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "postgresql":
		if c.Storage.PostgresURI == "" {
			errs = append(errs, errors.New("POSTGRES_URI is required for postgresql storage"))
		}
	case "mongodb":
		if c.Storage.MongoDBURI == "" {
			errs = append(errs, errors.New("MONGODB_URI is required for mongodb storage"))
		}
	case "dynamodb":
		if c.Storage.TableName == "" {
			errs = append(errs, errors.New("TABLE_NAME is required for dynamodb storage"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %s", c.Storage.Type))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}

	for _, s := range c.Ingestion.Sources {
		if s.Name == "" || s.Count <= 0 {
			errs = append(errs, fmt.Errorf("invalid ingestion source %q with count %d", s.Name, s.Count))
		}
	}
	if c.Ingestion.Enabled && c.Ingestion.Interval <= 0 {
		errs = append(errs, errors.New("ingestion interval must be positive"))
	}
	if c.Storage.Type == "dynamodb" && c.Ingestion.Enabled {
		total := 0
		for _, s := range c.Ingestion.Sources {
			total += s.Count
		}
		if total > DynamoDBMaxBatch {
			errs = append(errs, fmt.Errorf("ingestion sources request %d posts per run but dynamodb storage accepts at most %d", total, DynamoDBMaxBatch))
		}
	}
	if c.Ingestion.RetryCount < 1 {
		errs = append(errs, errors.New("retry count must be at least 1"))
	}

	return errors.Join(errs...)
}
