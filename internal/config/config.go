package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by CANON_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("CANON_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

func MigrationsPath() string {
	p := os.Getenv("MIGRATIONS_PATH")
	if p == "" {
		return "migrations"
	}
	return p
}

// ConfidenceThreshold returns the minimum effective confidence a proposal
// needs to be accepted. Defaults to 0.5.
func ConfidenceThreshold() float32 {
	t, err := strconv.ParseFloat(os.Getenv("CONFIDENCE_THRESHOLD"), 32)
	if err != nil || t < 0 || t > 1 {
		return 0.5
	}
	return float32(t)
}

// AuthorityWeight returns the weight for one authority level, read from
// AUTHORITY_WEIGHT_<LEVEL> (e.g. AUTHORITY_WEIGHT_ARBITER). Falls back
// to the given default when unset or out of [0, 1].
func AuthorityWeight(authority string, fallback float32) float32 {
	key := "AUTHORITY_WEIGHT_" + strings.ToUpper(authority)
	w, err := strconv.ParseFloat(os.Getenv(key), 32)
	if err != nil || w < 0 || w > 1 {
		return fallback
	}
	return float32(w)
}

// IndexerURL returns the endpoint of the semantic-indexing collaborator
// notified after canonization. Empty disables notification.
func IndexerURL() string {
	return os.Getenv("INDEXER_URL")
}

// IndexerRetries returns how many delivery attempts the notifier makes.
// Defaults to 3.
func IndexerRetries() int {
	n, err := strconv.Atoi(os.Getenv("INDEXER_RETRIES"))
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
