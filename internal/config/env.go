package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	SslCertPath  string
	Port         string
	AdminToken   string

	LogLevel  string
	LogFormat string

	// model providers
	EmbedProvider  string // gemini | openai | local
	LLMProvider    string // gemini | openai | local
	AIAPIKey       string
	OpenAIAPIKey   string
	LocalAIBaseURL string
	EmbedModel     string
	EmbedDim       int
	GenModel       string

	// vector store
	VectorStore      string // pgvector | qdrant
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string

	// redis backs the classification cache, the job store and document locks.
	// Empty RedisAddr keeps all three in process memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CacheEnabled bool
	CacheTTL     time.Duration

	LedgerDir    string
	JobRetention time.Duration

	Workers        int
	DocConcurrency int
	JobMaxAttempts int

	ChunkSize    int
	ChunkOverlap int

	EmbedBatchSize   int
	EmbedQuotaRPM    int
	ClassifyQuotaRPM int
	QuotaFraction    float64
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	EmbedTimeout     time.Duration
	ClassifyTimeout  time.Duration
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "contexta-docs"),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		Port:         getEnv("PORT", "8080"),
		AdminToken:   getEnv("ADMIN_TOKEN", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		EmbedProvider:  strings.ToLower(getEnv("EMBED_PROVIDER", "gemini")),
		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		AIAPIKey:       getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LocalAIBaseURL: getEnv("LOCAL_AI_BASE_URL", "http://localhost:11434/v1"),
		EmbedModel:     getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:       getEnvInt("EMBED_DIM", 768),
		GenModel:       getEnv("GEN_MODEL", "gemini-1.5-flash"),

		VectorStore:      strings.ToLower(getEnv("VECTOR_STORE", "pgvector")),
		QdrantHost:       getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:       getEnvInt("QDRANT_PORT", 6334),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "document_chunks"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		CacheEnabled: getEnvBool("CACHE_ENABLED", true),
		CacheTTL:     time.Duration(getEnvInt("CACHE_TTL_HOURS", 168)) * time.Hour,

		LedgerDir:    getEnv("LEDGER_DIR", "./data/ledger"),
		JobRetention: time.Duration(getEnvInt("JOB_RETENTION_HOURS", 24)) * time.Hour,

		Workers:        getEnvInt("WORKERS", 2),
		DocConcurrency: getEnvInt("DOC_CONCURRENCY", 4),
		JobMaxAttempts: getEnvInt("JOB_MAX_ATTEMPTS", 3),

		ChunkSize:    getEnvInt("CHUNK_SIZE", 1200),
		ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 150),

		EmbedBatchSize:   getEnvInt("EMBED_BATCH_SIZE", 16),
		EmbedQuotaRPM:    getEnvInt("EMBED_QUOTA_RPM", 1500),
		ClassifyQuotaRPM: getEnvInt("CLASSIFY_QUOTA_RPM", 60),
		QuotaFraction:    getEnvFloat("QUOTA_FRACTION", 0.8),
		MaxAttempts:      getEnvInt("MAX_ATTEMPTS", 5),
		BaseDelay:        time.Duration(getEnvInt("BASE_DELAY_MS", 500)) * time.Millisecond,
		MaxDelay:         time.Duration(getEnvInt("MAX_DELAY_MS", 30000)) * time.Millisecond,
		EmbedTimeout:     time.Duration(getEnvInt("EMBED_TIMEOUT_SECONDS", 30)) * time.Second,
		ClassifyTimeout:  time.Duration(getEnvInt("CLASSIFY_TIMEOUT_SECONDS", 20)) * time.Second,
	}

	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	switch c.EmbedProvider {
	case "gemini", "openai", "local":
	default:
		errs = append(errs, fmt.Errorf("EMBED_PROVIDER %q is not one of gemini, openai, local", c.EmbedProvider))
	}
	switch c.LLMProvider {
	case "gemini", "openai", "local":
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not one of gemini, openai, local", c.LLMProvider))
	}
	switch c.VectorStore {
	case "pgvector", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("VECTOR_STORE %q is not one of pgvector, qdrant", c.VectorStore))
	}
	if c.QuotaFraction <= 0 || c.QuotaFraction > 1 {
		errs = append(errs, fmt.Errorf("QUOTA_FRACTION must be in (0, 1], got %v", c.QuotaFraction))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		errs = append(errs, errors.New("BASE_DELAY_MS must be positive and not above MAX_DELAY_MS"))
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, errors.New("CHUNK_OVERLAP must be in [0, CHUNK_SIZE)"))
	}
	if c.Workers < 1 || c.DocConcurrency < 1 {
		errs = append(errs, errors.New("WORKERS and DOC_CONCURRENCY must be at least 1"))
	}
	if c.EmbedBatchSize < 1 {
		errs = append(errs, errors.New("EMBED_BATCH_SIZE must be at least 1"))
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config value is not a number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config value is not a bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
