package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration loaded from environment
// variables. Everything the orchestrator needs (TTL, deadlines,
// minimum-success threshold) is carried here explicitly; nothing is
// read from process-wide state after Load.
type Config struct {
	Port string

	PostgresDSN   string
	MongoURI      string
	MongoDB       string
	RedisAddr     string
	RedisPassword string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// External collaborators.
	SynthesisURL     string
	ScholarBaseURL   string
	ScholarAPIKey    string
	BooksBaseURL     string
	BooksAPIKey      string
	ScienceDirectURL string
	ScienceDirectKey string

	// Orchestration knobs.
	CacheTTL        time.Duration
	OverallTimeout  time.Duration
	SourceTimeout   time.Duration
	MinSourceOK     int
	SourceRetries   int
	MaxResults      int
	SweepInterval   time.Duration
	StatusRetention time.Duration
	SessionSecret   string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

func Load() *Config {
	return &Config{
		Port:          getenv("PORT", "8080"),
		PostgresDSN:   getenv("POSTGRES_DSN", ""),
		MongoURI:      getenv("MONGO_URI", ""),
		MongoDB:       getenv("MONGO_DB", "research_aggregator"),
		RedisAddr:     getenv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", "minio:9000"),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "research-exports"),
		MinioUseSSL:    getenv("MINIO_USE_SSL", "false") == "true",

		SynthesisURL:     getenv("SYNTHESIS_SERVICE_URL", "http://ai-service:8000"),
		ScholarBaseURL:   getenv("SCHOLAR_BASE_URL", "https://serpapi.com"),
		ScholarAPIKey:    getenv("SCHOLAR_API_KEY", ""),
		BooksBaseURL:     getenv("BOOKS_BASE_URL", "https://www.googleapis.com/books/v1"),
		BooksAPIKey:      getenv("BOOKS_API_KEY", ""),
		ScienceDirectURL: getenv("SCIENCEDIRECT_BASE_URL", "https://api.elsevier.com"),
		ScienceDirectKey: getenv("SCIENCEDIRECT_API_KEY", ""),

		CacheTTL:        getduration("CACHE_TTL", 24*time.Hour),
		OverallTimeout:  getduration("RESEARCH_TIMEOUT", 2*time.Minute),
		SourceTimeout:   getduration("SOURCE_TIMEOUT", 45*time.Second),
		MinSourceOK:     getint("MIN_SOURCES_OK", 1),
		SourceRetries:   getint("SOURCE_RETRIES", 3),
		MaxResults:      getint("MAX_RESULTS_PER_SOURCE", 20),
		SweepInterval:   getduration("CACHE_SWEEP_INTERVAL", time.Hour),
		StatusRetention: getduration("STATUS_RETENTION", 5*time.Minute),
		SessionSecret:   getenv("SESSION_SECRET", ""),
		RateLimitMax:    getint("RATE_LIMIT_MAX", 60),
		RateLimitWindow: getduration("RATE_LIMIT_WINDOW", time.Minute),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
