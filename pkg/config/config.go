// Package config loads service configuration from environment variables.
//
// Every option has a built-in default; a deployment only sets what it
// changes. API keys are validated at the point of use (client
// construction and the readiness probe), not at load time, so the service
// can start for store-only operations without credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the distillation service.
type Config struct {
	Server    ServerConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Algorithm AlgorithmConfig
	Jobs      JobsConfig
	Database  DatabaseConfig
	Retention RetentionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     string
	LogLevel string
}

// EmbeddingConfig holds settings for the embedding provider.
type EmbeddingConfig struct {
	APIKey    string
	URL       string
	Model     string
	BatchSize int
	Parallel  int
	Timeout   time.Duration
}

// LLMConfig holds settings for the Blockify distill endpoint.
type LLMConfig struct {
	APIKey              string
	BaseURL             string
	MaxRetries          int
	RetryDelay          time.Duration
	MaxCompletionTokens int
	RequestTimeout      time.Duration
}

// AlgorithmConfig controls the deduplication algorithm.
type AlgorithmConfig struct {
	MaxBlocksPerCluster int
	MaxClusterSizeLLM   int
	MaxRecursionDepth   int
	LLMParallel         int
	SimilarityParallel  int

	UseLSH                 bool
	LSHMinItems            int
	LSHTables              int
	LSHBits                int
	MaxSimilarityNeighbors int

	SimilarityIncreasePerIteration   float64
	SimilarityIncreaseStartIteration int
	MaxSimilarityThreshold           float64
	LouvainNodeThreshold             int

	SaveIntermediate bool
}

// JobsConfig controls the job manager.
type JobsConfig struct {
	WorkerPoolSize int
	JobTimeout     time.Duration
}

// DatabaseConfig selects and configures the job store backend.
type DatabaseConfig struct {
	Backend string // "postgres" or "filesystem"
	DataDir string

	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RetentionConfig controls cleanup of old completed jobs.
type RetentionConfig struct {
	Enabled         bool
	RetentionPeriod time.Duration
	CleanupInterval time.Duration
}

// Load reads the full configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("HTTP_PORT", "8315"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Embedding: EmbeddingConfig{
			APIKey:    os.Getenv("OPENAI_API_KEY"),
			URL:       getEnv("OPENAI_EMBEDDING_URL", "https://api.openai.com/v1/embeddings"),
			Model:     getEnv("EMBEDDING_MODEL_NAME", "text-embedding-3-small"),
			BatchSize: getInt("EMBEDDING_BATCH_SIZE", 1000),
			Parallel:  getInt("EMBEDDING_PARALLEL", 10),
			Timeout:   getSeconds("EMBEDDING_REQUEST_TIMEOUT_SECONDS", 60),
		},
		LLM: LLMConfig{
			APIKey:              os.Getenv("BLOCKIFY_API_KEY"),
			BaseURL:             getEnv("BLOCKIFY_BASE_URL", "https://api.blockify.ai/v1"),
			MaxRetries:          getInt("LLM_MAX_RETRIES", 3),
			RetryDelay:          getSeconds("LLM_RETRY_DELAY_SECONDS", 2),
			MaxCompletionTokens: getInt("LLM_MAX_COMPLETION_TOKENS", 8192),
			RequestTimeout:      getSeconds("LLM_REQUEST_TIMEOUT_SECONDS", 180),
		},
		Algorithm: DefaultAlgorithmConfig(),
		Jobs: JobsConfig{
			WorkerPoolSize: getInt("WORKER_POOL_SIZE", 10),
			JobTimeout:     getSeconds("JOB_TIMEOUT_SECONDS", 600000),
		},
		Database: DatabaseConfig{
			Backend:  getEnv("DATABASE_BACKEND", "filesystem"),
			DataDir:  getEnv("DATA_DIR", "./data"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "distillery"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getEnv("DB_NAME", "distillery"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Retention: RetentionConfig{
			Enabled:         getBool("JOB_RETENTION_ENABLED", false),
			RetentionPeriod: time.Duration(getInt("JOB_RETENTION_DAYS", 30)) * 24 * time.Hour,
			CleanupInterval: getSeconds("CLEANUP_INTERVAL_SECONDS", 3600),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultAlgorithmConfig returns the built-in algorithm defaults,
// overridable per option from the environment.
func DefaultAlgorithmConfig() AlgorithmConfig {
	return AlgorithmConfig{
		MaxBlocksPerCluster: getInt("MAX_BLOCKS_PER_CLUSTER", 20),
		MaxClusterSizeLLM:   getInt("MAX_CLUSTER_SIZE_FOR_LLM", 20),
		MaxRecursionDepth:   getInt("MAX_RECURSION_DEPTH", 10),
		LLMParallel:         getInt("LLM_PARALLEL", 10),
		SimilarityParallel:  getInt("SIMILARITY_PARALLEL", 10),

		UseLSH:                 getBool("USE_LSH", true),
		LSHMinItems:            getInt("LSH_MIN_ITEMS", 50),
		LSHTables:              getInt("LSH_TABLES", 10),
		LSHBits:                getInt("LSH_BITS", 8),
		MaxSimilarityNeighbors: getInt("MAX_SIMILARITY_NEIGHBORS", 50),

		SimilarityIncreasePerIteration:   getFloat("SIMILARITY_INCREASE_PER_ITERATION", 0.01),
		SimilarityIncreaseStartIteration: getInt("SIMILARITY_INCREASE_START_ITERATION", 2),
		MaxSimilarityThreshold:           getFloat("MAX_SIMILARITY_THRESHOLD", 0.98),
		LouvainNodeThreshold:             getInt("LOUVAIN_NODE_THRESHOLD", 1000),

		SaveIntermediate: getBool("SAVE_INTERMEDIATE", true),
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Jobs.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", c.Jobs.WorkerPoolSize)
	}
	if c.Algorithm.MaxBlocksPerCluster < 2 {
		return fmt.Errorf("MAX_BLOCKS_PER_CLUSTER must be at least 2, got %d", c.Algorithm.MaxBlocksPerCluster)
	}
	if c.Algorithm.LLMParallel < 1 {
		return fmt.Errorf("LLM_PARALLEL must be at least 1, got %d", c.Algorithm.LLMParallel)
	}
	if c.Algorithm.MaxSimilarityThreshold <= 0 || c.Algorithm.MaxSimilarityThreshold > 1 {
		return fmt.Errorf("MAX_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.Algorithm.MaxSimilarityThreshold)
	}
	switch c.Database.Backend {
	case "postgres", "filesystem":
	default:
		return fmt.Errorf("unknown DATABASE_BACKEND %q (want postgres or filesystem)", c.Database.Backend)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getInt(key, defaultSeconds)) * time.Second
}
