package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Ingestion IngestionConfig
	Chat      ChatConfig
	Storage   StorageConfig
	Janitor   JanitorConfig
	LogLevel  slog.Level
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	// StatusPollInterval paces the polling variant of the status stream;
	// StatusResyncInterval is how often the push variant re-reads the
	// stored state in case the feed dropped an event.
	StatusPollInterval   time.Duration
	StatusResyncInterval time.Duration
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type LLMConfig struct {
	OpenAIKey        string
	OpenAIBaseURL    string
	AnthropicKey     string
	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	FallbackModel    string
	MaxTokens        int
	Temperature      float64
}

type EmbeddingConfig struct {
	Provider    string
	Model       string
	Dimension   int
	BatchSize   int
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
	CacheSize   int
	CacheTTL    time.Duration
}

type IngestionConfig struct {
	ChunkSize     int
	ChunkOverlap  int
	Concurrency   int
	MaxRetry      int
	JobTimeout    time.Duration // asynq visibility timeout
	LockTTL       time.Duration
	OCRTimeout    time.Duration
	TesseractPath string
	PdftoppmPath  string
}

type ChatConfig struct {
	TopK              int
	MinScore          float64 // results below this cosine similarity are dropped
	HistoryMessages   int
	HistoryTokens     int
	GenerationTimeout time.Duration
	LockTTL           time.Duration
}

type StorageConfig struct {
	Bucket    string
	Region    string
	Endpoint  string // set for MinIO or other S3-compatible endpoints
	AccessKey string
	SecretKey string
}

type JanitorConfig struct {
	Schedule        string
	FailedRetention time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var errs []string
	intVar := func(key string, fallback int) int {
		v, err := getEnvInt(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}
	durVar := func(key string, fallback time.Duration) time.Duration {
		v, err := getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}
	floatVar := func(key string, fallback float64) float64 {
		v, err := getEnvFloat(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOG_LEVEL: %v", err))
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:                 getEnv("SERVER_HOST", "0.0.0.0"),
			Port:                 intVar("SERVER_PORT", 8080),
			AllowedOrigins:       splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
			RateLimitRPS:         floatVar("RATE_LIMIT_RPS", 20),
			RateLimitBurst:       intVar("RATE_LIMIT_BURST", 40),
			StatusPollInterval:   durVar("STATUS_POLL_INTERVAL", time.Second),
			StatusResyncInterval: durVar("STATUS_RESYNC_INTERVAL", 5*time.Second),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       intVar("DB_MAX_CONNS", 20),
			MinConns:       intVar("DB_MIN_CONNS", 2),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intVar("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		LLM: LLMConfig{
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			DefaultProvider:  getEnv("LLM_PROVIDER", "openai"),
			DefaultModel:     getEnv("LLM_MODEL", "gpt-4o-mini"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			FallbackModel:    getEnv("LLM_FALLBACK_MODEL", ""),
			MaxTokens:        intVar("LLM_MAX_TOKENS", 1000),
			Temperature:      floatVar("LLM_TEMPERATURE", 0.7),
		},
		Embedding: EmbeddingConfig{
			Provider:    getEnv("EMBEDDING_PROVIDER", "openai"),
			Model:       getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension:   intVar("EMBEDDING_DIMENSION", 1536),
			BatchSize:   intVar("EMBEDDING_BATCH_SIZE", 100),
			Concurrency: intVar("EMBEDDING_CONCURRENCY", 4),
			MaxAttempts: intVar("EMBEDDING_MAX_ATTEMPTS", 4),
			BaseDelay:   durVar("EMBEDDING_BASE_DELAY", 500*time.Millisecond),
			Timeout:     durVar("EMBEDDING_TIMEOUT", 30*time.Second),
			CacheSize:   intVar("EMBEDDING_CACHE_SIZE", 1024),
			CacheTTL:    durVar("EMBEDDING_CACHE_TTL", 30*time.Minute),
		},
		Ingestion: IngestionConfig{
			ChunkSize:     intVar("CHUNK_SIZE", 1000),
			ChunkOverlap:  intVar("CHUNK_OVERLAP", 200),
			Concurrency:   intVar("INGEST_CONCURRENCY", 4),
			MaxRetry:      intVar("INGEST_MAX_RETRY", 3),
			JobTimeout:    durVar("INGEST_JOB_TIMEOUT", 10*time.Minute),
			LockTTL:       durVar("INGEST_LOCK_TTL", 30*time.Second),
			OCRTimeout:    durVar("OCR_TIMEOUT", 2*time.Minute),
			TesseractPath: getEnv("TESSERACT_PATH", "tesseract"),
			PdftoppmPath:  getEnv("PDFTOPPM_PATH", "pdftoppm"),
		},
		Chat: ChatConfig{
			TopK:              intVar("CHAT_TOP_K", 5),
			MinScore:          floatVar("CHAT_MIN_SCORE", 0.15),
			HistoryMessages:   intVar("CHAT_HISTORY_MESSAGES", 5),
			HistoryTokens:     intVar("CHAT_HISTORY_TOKENS", 2000),
			GenerationTimeout: durVar("CHAT_GENERATION_TIMEOUT", 2*time.Minute),
			LockTTL:           durVar("CHAT_LOCK_TTL", 30*time.Second),
		},
		Storage: StorageConfig{
			Bucket:    getEnv("STORAGE_BUCKET", "documents"),
			Region:    getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:  getEnv("STORAGE_ENDPOINT", ""),
			AccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey: getEnv("STORAGE_SECRET_KEY", ""),
		},
		Janitor: JanitorConfig{
			Schedule:        getEnv("JANITOR_SCHEDULE", "0 3 * * *"),
			FailedRetention: durVar("FAILED_RETENTION", 7*24*time.Hour),
		},
		LogLevel: level,
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.LLM.OpenAIKey == "" && c.LLM.AnthropicKey == "" {
		missing = append(missing, "OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.Ingestion.ChunkOverlap, c.Ingestion.ChunkSize)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
