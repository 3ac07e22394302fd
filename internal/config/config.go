package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	AIProvider          string
	GeminiAPIKey        string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	ChatModel           string
	AnalysisModel       string
	EmbeddingModel      string
	EmbeddingDimensions int

	DatabaseDriver string
	DatabaseURL    string
	HTTPPort       string
	LogLevel       string

	QueryCacheSize int
	QueryCacheTTL  time.Duration
}

// Load reads configuration from the environment, after loading a .env file if one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv builds a validated Config from environment variables only.
func FromEnv() (*Config, error) {
	provider := strings.ToLower(getEnv("AI_PROVIDER", ProviderGemini))

	cfg := &Config{
		AIProvider:          provider,
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
		ChatModel:           getEnv("CHAT_MODEL", defaultModel(provider, "chat")),
		AnalysisModel:       getEnv("ANALYSIS_MODEL", defaultModel(provider, "chat")),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", defaultModel(provider, "embedding")),
		EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 768),
		DatabaseDriver:      strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:         getEnv("DATABASE_URL", "chat_history.db"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		LogLevel:            strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		QueryCacheSize:      getEnvAsInt("QUERY_CACHE_SIZE", 256),
		QueryCacheTTL:       getEnvAsDuration("QUERY_CACHE_TTL", 10*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.AIProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY environment variable is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY environment variable is required")
		}
	default:
		return fmt.Errorf("unsupported AI_PROVIDER %q", c.AIProvider)
	}

	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive, got %d", c.EmbeddingDimensions)
	}

	switch c.DatabaseDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	return nil
}

// Debug reports whether verbose logging was requested.
func (c *Config) Debug() bool {
	return c.LogLevel == "DEBUG"
}

func defaultModel(provider, kind string) string {
	switch {
	case provider == ProviderOpenAI && kind == "embedding":
		return "text-embedding-3-small"
	case provider == ProviderOpenAI:
		return "gpt-4o-mini"
	case kind == "embedding":
		return "text-embedding-004"
	default:
		return "gemini-2.5-flash"
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
