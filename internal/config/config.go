package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	StorageDriver string   `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	SQLitePath    string   `mapstructure:"SQLITE_PATH"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	DBStatementTimeout time.Duration `mapstructure:"DB_STATEMENT_TIMEOUT"`
	DBConnectAttempts  int           `mapstructure:"DB_CONNECT_ATTEMPTS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	UploadMaxBytes int64 `mapstructure:"UPLOAD_MAX_BYTES"`
	UploadMaxFiles int   `mapstructure:"UPLOAD_MAX_FILES"`

	ModelTimeout      time.Duration `mapstructure:"MODEL_TIMEOUT"`
	ModelMaxRetries   int           `mapstructure:"MODEL_MAX_RETRIES"`
	ModelRetryBackoff time.Duration `mapstructure:"MODEL_RETRY_BACKOFF"`
	ModelRPS          float64       `mapstructure:"MODEL_RPS"`
	ModelBurst        int           `mapstructure:"MODEL_BURST"`

	OpenAIAPIKey     string `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel      string `mapstructure:"OPENAI_MODEL"`
	AnthropicAPIKey  string `mapstructure:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `mapstructure:"ANTHROPIC_BASE_URL"`
	AnthropicModel   string `mapstructure:"ANTHROPIC_MODEL"`
	GeminiAPIKey     string `mapstructure:"GEMINI_API_KEY"`
	GeminiBaseURL    string `mapstructure:"GEMINI_BASE_URL"`
	GeminiModel      string `mapstructure:"GEMINI_MODEL"`

	QueueWorkers         int           `mapstructure:"QUEUE_WORKERS"`
	QueueSize            int           `mapstructure:"QUEUE_SIZE"`
	StaleProcessingAfter time.Duration `mapstructure:"STALE_PROCESSING_AFTER"`
	AssetsDir            string        `mapstructure:"ASSETS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "CORS_ORIGINS",
	"DB_STATEMENT_TIMEOUT", "DB_CONNECT_ATTEMPTS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"UPLOAD_MAX_BYTES", "UPLOAD_MAX_FILES",
	"MODEL_TIMEOUT", "MODEL_MAX_RETRIES", "MODEL_RETRY_BACKOFF", "MODEL_RPS", "MODEL_BURST",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
	"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL",
	"GEMINI_API_KEY", "GEMINI_BASE_URL", "GEMINI_MODEL",
	"QUEUE_WORKERS", "QUEUE_SIZE", "STALE_PROCESSING_AFTER", "ASSETS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "rxextract.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_STATEMENT_TIMEOUT", "30s")
	v.SetDefault("DB_CONNECT_ATTEMPTS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "5m")
	v.SetDefault("BODY_LIMIT", "110M")
	v.SetDefault("UPLOAD_MAX_BYTES", 10<<20)
	v.SetDefault("UPLOAD_MAX_FILES", 10)
	v.SetDefault("MODEL_TIMEOUT", "60s")
	v.SetDefault("MODEL_MAX_RETRIES", 1)
	v.SetDefault("MODEL_RETRY_BACKOFF", "500ms")
	v.SetDefault("MODEL_RPS", 2)
	v.SetDefault("MODEL_BURST", 4)
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("ANTHROPIC_MODEL", "claude-sonnet-4-20250514")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-pro")
	v.SetDefault("QUEUE_WORKERS", 4)
	v.SetDefault("QUEUE_SIZE", 256)
	v.SetDefault("STALE_PROCESSING_AFTER", "15m")
	v.SetDefault("ASSETS_DIR", "attached_assets")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))

	if cfg.StorageDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is %q", DriverPostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings that Load cannot default its way out of.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q, %q or %q, got %q",
			DriverPostgres, DriverSQLite, DriverMemory, c.StorageDriver)
	}
	if c.StorageDriver == DriverSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER is %q", DriverSQLite)
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be positive, got %s", c.ModelTimeout)
	}
	if c.ModelMaxRetries < 0 {
		return fmt.Errorf("MODEL_MAX_RETRIES must not be negative, got %d", c.ModelMaxRetries)
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes)
	}
	if c.UploadMaxFiles <= 0 {
		return fmt.Errorf("UPLOAD_MAX_FILES must be positive, got %d", c.UploadMaxFiles)
	}
	if c.QueueWorkers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive, got %d", c.QueueWorkers)
	}
	return nil
}
