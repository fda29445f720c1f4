package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	// RetrievalTopK is the number of candidates fetched per retrieval pass.
	RetrievalTopK int
	// LLMTimeoutSeconds bounds every external embedding/advisory call.
	LLMTimeoutSeconds int
	// HybridOrder controls how hybrid answers are assembled:
	// "facts-first" (structured findings, then narrative) or "context-first".
	HybridOrder string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:       getEnv("DATABASE_URL", "sqope.db"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		RetrievalTopK:     getEnvAsInt("RETRIEVAL_TOP_K", 4),
		LLMTimeoutSeconds: getEnvAsInt("LLM_TIMEOUT_SECONDS", 30),
		HybridOrder:       getEnv("HYBRID_ORDER", "facts-first"),
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	if AppConfig.HybridOrder != "facts-first" && AppConfig.HybridOrder != "context-first" {
		log.Printf("Unknown HYBRID_ORDER %q, using facts-first", AppConfig.HybridOrder)
		AppConfig.HybridOrder = "facts-first"
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
