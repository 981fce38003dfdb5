package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Typesense  TypesenseConfig
	OpenAI     OpenAIConfig
	OTEL       OTELConfig
	Search     SearchConfig
	Resilience ResilienceConfig
	Corpus     CorpusConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// TypesenseConfig holds Typesense configuration
type TypesenseConfig struct {
	URL    string
	APIKey string
}

// OpenAIConfig holds the embedding provider configuration
type OpenAIConfig struct {
	APIKey         string
	EmbeddingModel string
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// SearchConfig holds hybrid retrieval scoring configuration. The
// lexical/vector weights were tuned against a validation corpus and are
// meant to be re-tuned, not preserved.
type SearchConfig struct {
	LexicalWeight  float64
	VectorWeight   float64
	DefaultLimit   int
	MinChunkLength int
}

// ResilienceConfig holds circuit breaker, retry, and fallback cache settings
type ResilienceConfig struct {
	BreakerThreshold  int
	BreakerReset      time.Duration
	HalfOpenTrials    int
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	CallTimeout       time.Duration
	FallbackCacheTTL  time.Duration
	FallbackCacheSize int
}

// CorpusConfig holds flat-file corpus and dictionary locations
type CorpusConfig struct {
	ProtocolFile   string
	SynonymsFile   string
	BrandNamesFile string
	GoldenQueries  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "protocol_guide"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Typesense: TypesenseConfig{
			URL:    getEnv("TYPESENSE_URL", "http://localhost:8108"),
			APIKey: getEnv("TYPESENSE_API_KEY", "xyz"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "protocol-guide"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Search: SearchConfig{
			LexicalWeight:  getEnvAsFloat("SEARCH_LEXICAL_WEIGHT", 0.4),
			VectorWeight:   getEnvAsFloat("SEARCH_VECTOR_WEIGHT", 0.6),
			DefaultLimit:   getEnvAsInt("SEARCH_DEFAULT_LIMIT", 10),
			MinChunkLength: getEnvAsInt("SEARCH_MIN_CHUNK_LENGTH", 40),
		},
		Resilience: ResilienceConfig{
			BreakerThreshold:  getEnvAsInt("BREAKER_THRESHOLD", 3),
			BreakerReset:      getEnvAsDuration("BREAKER_RESET", 30*time.Second),
			HalfOpenTrials:    getEnvAsInt("BREAKER_HALF_OPEN_TRIALS", 3),
			RetryAttempts:     getEnvAsInt("RETRY_ATTEMPTS", 3),
			RetryBaseDelay:    getEnvAsDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			CallTimeout:       getEnvAsDuration("CALL_TIMEOUT", 2*time.Second),
			FallbackCacheTTL:  getEnvAsDuration("FALLBACK_CACHE_TTL", time.Hour),
			FallbackCacheSize: getEnvAsInt("FALLBACK_CACHE_SIZE", 4096),
		},
		Corpus: CorpusConfig{
			ProtocolFile:   getEnv("CORPUS_PROTOCOL_FILE", "data/protocols.json"),
			SynonymsFile:   getEnv("CORPUS_SYNONYMS_FILE", "config/medical_synonyms.json"),
			BrandNamesFile: getEnv("CORPUS_BRAND_NAMES_FILE", "config/brand_generics.json"),
			GoldenQueries:  getEnv("CORPUS_GOLDEN_QUERIES", "config/golden_queries.json"),
		},
	}, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
	}
	return defaultValue
}
