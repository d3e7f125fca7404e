package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Environment
	Environment string

	// Server
	PublicAddress string // address clients and worker agents reach the control plane on
	Port          string
	GinMode       string
	Version       string

	// Database
	DatabaseURL   string
	MigrationsDir string

	// Shared secret between the control plane, worker agents and the
	// binary-download endpoints.
	AccessKey string

	// Admin dashboard
	AdminUsername string
	AdminPassword string
	JWTSecret     string
	JWTExpiry     time.Duration

	// Cloud IaaS
	CloudToken      string
	CloudImage      string
	CloudServerType string
	CloudLocation   string

	// Capacity
	MaxServersPerHost  int
	MaxServersInMaster int
	PlayersPerServer   int
	GamePortBase       int

	// Reclamation grace periods
	HostIdleTimeout   time.Duration
	ServerIdleTimeout time.Duration

	// Game binary served to worker hosts
	BinaryDir string

	// Front door rate limit: max requests per window per client address
	RateLimitWindow time.Duration
	RateLimitMax    int
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		PublicAddress: getEnv("PUBLIC_ADDRESS", "127.0.0.1"),
		Port:          getEnv("PORT", "8080"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		Version:       getEnv("GAME_VERSION", "dev"),

		DatabaseURL:   buildDatabaseURL(),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		AccessKey: getEnv("ACCESS_KEY", ""),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		JWTExpiry:     parseDuration(getEnv("JWT_EXPIRY", "12h"), 12*time.Hour),

		CloudToken:      getEnv("CLOUD_API_TOKEN", ""),
		CloudImage:      getEnv("CLOUD_IMAGE", "ubuntu-24.04"),
		CloudServerType: getEnv("CLOUD_SERVER_TYPE", "cpx21"),
		CloudLocation:   getEnv("CLOUD_LOCATION", "nbg1"),

		MaxServersPerHost:  parseInt(getEnv("MAX_SERVERS_PER_HOST", "6"), 6),
		MaxServersInMaster: parseInt(getEnv("MAX_SERVERS_IN_MASTER", "4"), 4),
		PlayersPerServer:   parseInt(getEnv("PLAYERS_PER_SERVER", "8"), 8),
		GamePortBase:       parseInt(getEnv("GAME_PORT_BASE", "9000"), 9000),

		HostIdleTimeout:   parseDuration(getEnv("HOST_IDLE_TIMEOUT", "15s"), 15*time.Second),
		ServerIdleTimeout: parseDuration(getEnv("SERVER_IDLE_TIMEOUT", "15s"), 15*time.Second),

		BinaryDir: getEnv("BINARY_DIR", "/opt/vmhub/binaries"),

		RateLimitWindow: parseDuration(getEnv("RATE_LIMIT_WINDOW", "15s"), 15*time.Second),
		RateLimitMax:    parseInt(getEnv("RATE_LIMIT_MAX", "10000"), 10000),
	}

	// Validate required fields
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("ACCESS_KEY is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD is required")
	}

	return cfg, nil
}

// ControlPlaneURL is the base URL worker agents call back on.
func (c *Config) ControlPlaneURL() string {
	return fmt.Sprintf("http://%s:%s", c.PublicAddress, c.Port)
}

func buildDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "vmhub")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbName := getEnv("DB_NAME", "vmhub")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func parseInt(value string, defaultValue int) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
