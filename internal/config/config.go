// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	Identity     string
	MaxBodyBytes int64

	// Storage settings. Backend selects the Persistence implementation:
	// postgres (production), sqlite (embedded single-node), memory (dev).
	StorageBackend string
	DatabaseURL    string // Postgres URL, for backend=postgres.
	SQLitePath     string // Database file, for backend=sqlite.

	// Judge settings.
	MaxConfidence    float64
	VerdictConcern   int // inclusive lower qScore bound of the concern band
	VerdictAccept    int
	VerdictStrong    int
	DimensionWeights map[string]float64 // JSON env override
	AxiomWeights     map[string]float64 // JSON env override

	// BatchQueue defaults, and the chain's overrides.
	BatchSize          int
	FlushInterval      time.Duration
	MaxQueueSize       int
	ChainBatchSize     int
	ChainFlushInterval time.Duration

	// SSE settings.
	SSEHeartbeat time.Duration
	BusCapacity  int

	// Learning settings.
	AutoCalibrate      bool
	CalibrateThreshold int

	// Auth settings. An empty APIKey runs the server open.
	APIKey            string
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiration     time.Duration

	// Rate limiting. Zero RateLimitPerSec disables it.
	RateLimitPerSec float64
	RateLimitBurst  int

	// Vector search settings. Empty QdrantURL disables the index.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Embedding provider: ollama or noop.
	EmbeddingProvider   string
	EmbeddingDimensions int
	OllamaURL           string
	OllamaModel         string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:         envInt("ARBITER_PORT", 8080),
		ReadTimeout:  envDuration("ARBITER_READ_TIMEOUT", 30*time.Second),
		Identity:     envStr("ARBITER_IDENTITY", "arbiter"),
		MaxBodyBytes: int64(envInt("ARBITER_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),

		StorageBackend: envStr("ARBITER_STORAGE_BACKEND", "sqlite"),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		SQLitePath:     envStr("ARBITER_SQLITE_PATH", "arbiter.db"),

		MaxConfidence:    envFloat("ARBITER_MAX_CONFIDENCE", 0.618),
		VerdictConcern:   envInt("ARBITER_VERDICT_CONCERN", 38),
		VerdictAccept:    envInt("ARBITER_VERDICT_ACCEPT", 62),
		VerdictStrong:    envInt("ARBITER_VERDICT_STRONG_ACCEPT", 85),
		DimensionWeights: envJSONWeights("ARBITER_DIMENSION_WEIGHTS"),
		AxiomWeights:     envJSONWeights("ARBITER_AXIOM_WEIGHTS"),

		BatchSize:          envInt("ARBITER_BATCH_SIZE", 13),
		FlushInterval:      envDuration("ARBITER_FLUSH_INTERVAL", 5*time.Second),
		MaxQueueSize:       envInt("ARBITER_MAX_QUEUE_SIZE", 89),
		ChainBatchSize:     envInt("ARBITER_CHAIN_BATCH_SIZE", 0),
		ChainFlushInterval: envDuration("ARBITER_CHAIN_FLUSH_INTERVAL", 0),

		SSEHeartbeat: envDuration("ARBITER_SSE_HEARTBEAT", 15*time.Second),
		BusCapacity:  envInt("ARBITER_SSE_CHANNEL_CAPACITY", 256),

		AutoCalibrate:      envBool("ARBITER_LEARNING_AUTO_CALIBRATE", true),
		CalibrateThreshold: envInt("ARBITER_LEARNING_CALIBRATE_THRESHOLD", 21),

		APIKey:            envStr("ARBITER_API_KEY", ""),
		JWTPrivateKeyPath: envStr("ARBITER_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("ARBITER_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     envDuration("ARBITER_JWT_EXPIRATION", 24*time.Hour),

		RateLimitPerSec: envFloat("ARBITER_RATE_LIMIT_PER_SEC", 0),
		RateLimitBurst:  envInt("ARBITER_RATE_LIMIT_BURST", 30),

		QdrantURL:        envStr("ARBITER_QDRANT_URL", ""),
		QdrantAPIKey:     envStr("ARBITER_QDRANT_API_KEY", ""),
		QdrantCollection: envStr("ARBITER_QDRANT_COLLECTION", "arbiter"),

		EmbeddingProvider:   envStr("ARBITER_EMBEDDING_PROVIDER", "noop"),
		EmbeddingDimensions: envInt("ARBITER_EMBEDDING_DIMENSIONS", 768),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "nomic-embed-text"),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "arbiter"),

		LogLevel: envStr("ARBITER_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}
	if c.StorageBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required for the postgres backend")
	}
	if c.MaxConfidence <= 0 || c.MaxConfidence >= 1 {
		return fmt.Errorf("config: ARBITER_MAX_CONFIDENCE must be in (0, 1)")
	}
	if !(c.VerdictConcern < c.VerdictAccept && c.VerdictAccept < c.VerdictStrong) {
		return fmt.Errorf("config: verdict thresholds must be strictly increasing")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: ARBITER_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.EmbeddingProvider {
	case "ollama", "noop":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: ARBITER_EMBEDDING_DIMENSIONS must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envJSONWeights parses a JSON object of name→weight overrides. A value
// that fails to parse is ignored rather than failing startup.
func envJSONWeights(key string) map[string]float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil
	}
	return m
}
