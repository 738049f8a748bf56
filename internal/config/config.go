package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the relay server settings. Everything comes from the
// environment so the same binary runs under docker-compose and locally.
type Config struct {
	Port     string
	NodeID   string
	LogLevel string
	LogJSON  bool

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	RelayDefaultTTL     time.Duration
	RelayMaxTTL         time.Duration
	RelaySpillThreshold int

	ReapInterval      time.Duration
	SweepInterval     time.Duration
	ReplenishInterval time.Duration
	PreKeyLowWater    int
	PreKeyRecommended int

	SessionTTL time.Duration

	// TransparencySigningKey is a PEM Ed25519 key or a path to one. Empty
	// means a fresh key per process.
	TransparencySigningKey string

	S3 S3Config
}

// S3Config configures the object store used for oversized relay payloads.
// An empty Endpoint disables spilling.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func LoadConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "node-1"
	}

	return &Config{
		Port:     getEnv("PORT", "8080"),
		NodeID:   getEnv("NODE_ID", hostname),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnv("LOG_FORMAT", "text") == "json",

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:mynetrunner.db?_foreign_keys=on"),
		RedisURL:       getEnv("REDIS_URL", ""),

		RelayDefaultTTL:     getEnvDuration("RELAY_DEFAULT_TTL", 5*time.Minute),
		RelayMaxTTL:         getEnvDuration("RELAY_MAX_TTL", 24*time.Hour),
		RelaySpillThreshold: getEnvInt("RELAY_SPILL_THRESHOLD", 256*1024),

		ReapInterval:      getEnvDuration("REAP_INTERVAL", 60*time.Second),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 24*time.Hour),
		ReplenishInterval: getEnvDuration("REPLENISH_INTERVAL", 10*time.Minute),
		PreKeyLowWater:    getEnvInt("PREKEY_LOW_WATER", 10),
		PreKeyRecommended: getEnvInt("PREKEY_RECOMMENDED", 100),

		SessionTTL: getEnvDuration("SESSION_TTL", 30*24*time.Hour),

		TransparencySigningKey: getEnv("TRANSPARENCY_SIGNING_KEY", ""),

		S3: S3Config{
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("S3_SECRET_KEY", "minioadmin"),
			Bucket:    getEnv("S3_BUCKET", "mynetrunner-relay"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			UseSSL:    getEnv("S3_USE_SSL", "false") == "true",
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
