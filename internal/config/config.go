package config

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// Upstream service endpoints
	SoraBaseURL    string
	SentinelURL    string
	AuthRefreshURL string
	SessionAuthURL string

	// Upstream HTTP client
	UpstreamTimeoutSeconds      int
	UpstreamMaxIdleConns        int
	UpstreamMaxIdleConnsPerHost int
	UpstreamMaxConnsPerHost     int
	UpstreamIdleConnTimeout     int // in seconds

	// Proof-of-work solver pool
	SentinelWorkers int

	// Polling
	PollIntervalSeconds int

	// File cache
	CacheDir string

	// Admin sessions
	JWTSecret        string
	JWTExpiryMinutes int

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Worker Pool
	RequestTrackingWorkerPoolSize int
	RequestTrackingBufferSize     int
	RequestTrackingTimeoutSeconds int

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Bootstrap holds optional seed data loaded from the config file.
	Bootstrap *BootstrapConfig `yaml:"bootstrap"`
}

var AppConfig *Config

const (
	DefaultSoraBaseURL    = "https://sora.chatgpt.com/backend/project_y"
	DefaultSentinelURL    = "https://chatgpt.com/backend-api/sentinel/req"
	DefaultAuthRefreshURL = "https://auth.openai.com/oauth/token"
	DefaultSessionAuthURL = "https://chatgpt.com/api/auth/session"
)

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/sora_proxy?sslmode=disable"),

		// Upstream service endpoints
		SoraBaseURL:    getEnvOrDefault("SORA_BASE_URL", DefaultSoraBaseURL),
		SentinelURL:    getEnvOrDefault("SENTINEL_URL", DefaultSentinelURL),
		AuthRefreshURL: getEnvOrDefault("AUTH_REFRESH_URL", DefaultAuthRefreshURL),
		SessionAuthURL: getEnvOrDefault("SESSION_AUTH_URL", DefaultSessionAuthURL),

		// Upstream HTTP client
		UpstreamTimeoutSeconds:      getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 60),
		UpstreamMaxIdleConns:        getEnvAsInt("UPSTREAM_MAX_IDLE_CONNS", 100),
		UpstreamMaxIdleConnsPerHost: getEnvAsInt("UPSTREAM_MAX_IDLE_CONNS_PER_HOST", 50),
		UpstreamMaxConnsPerHost:     getEnvAsInt("UPSTREAM_MAX_CONNS_PER_HOST", 100),
		UpstreamIdleConnTimeout:     getEnvAsInt("UPSTREAM_IDLE_CONN_TIMEOUT_SECONDS", 90),

		// Proof-of-work solver pool
		SentinelWorkers: getEnvAsInt("SENTINEL_WORKERS", 4),

		// Polling
		PollIntervalSeconds: getEnvAsInt("POLL_INTERVAL_SECONDS", 5),

		// File cache
		CacheDir: getEnvOrDefault("CACHE_DIR", "tmp"),

		// Admin sessions
		JWTSecret:        getEnvOrDefault("JWT_SECRET", ""),
		JWTExpiryMinutes: getEnvAsInt("JWT_EXPIRY_MINUTES", 720),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Worker Pool
		RequestTrackingWorkerPoolSize: getEnvAsInt("REQUEST_TRACKING_WORKER_POOL_SIZE", 20),
		RequestTrackingBufferSize:     getEnvAsInt("REQUEST_TRACKING_BUFFER_SIZE", 5000),
		RequestTrackingTimeoutSeconds: getEnvAsInt("REQUEST_TRACKING_TIMEOUT_SECONDS", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.JWTSecret == "" {
		// Sessions will not survive a restart without a configured secret.
		AppConfig.JWTSecret = randomSecret()
		log.Println("Warning: JWT_SECRET not set, generated an ephemeral secret")
	}

	// Load optional seed data from a configuration file. Runtime settings live in
	// the database, so a missing file is not an error.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Printf("No config file at %v, skipping bootstrap", configFilePath)
		return
	}
	defer configFile.Close()

	log.Printf("Loading config file: %v", configFilePath)
	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
