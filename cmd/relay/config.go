package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"upload-relay/internal/storage"
)

// settings is the parsed RELAY_* environment. Values are validated by
// server.ValidateAllConfiguration before they are read here.
type settings struct {
	Addr    string
	Version string
	Commit  string

	Store storage.Config

	StagingDir       string
	CorrelationField string
	MaxUploadBytes   int64
	RequestTimeout   time.Duration

	UploadConcurrency int
	UploadRetries     int
	BreakerFailures   int
	BreakerTimeout    time.Duration
	RateLimit         int

	JanitorInterval time.Duration
	JanitorMaxAge   time.Duration

	DatabaseURL string
}

func loadSettings() settings {
	backend := getenvDefault("RELAY_STORE", storage.BackendMinio)

	endpoint := os.Getenv("RELAY_S3_ENDPOINT")
	if backend == storage.BackendGCS {
		endpoint = os.Getenv("RELAY_GCS_ENDPOINT")
	}

	return settings{
		Addr:    getenvDefault("RELAY_ADDR", ":8080"),
		Version: getenvDefault("RELAY_VERSION", "dev"),
		Commit:  getenvDefault("RELAY_COMMIT", "unknown"),

		Store: storage.Config{
			Backend:   backend,
			Bucket:    os.Getenv("RELAY_BUCKET"),
			Endpoint:  endpoint,
			AccessKey: os.Getenv("RELAY_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("RELAY_S3_SECRET_KEY"),
			Region:    os.Getenv("RELAY_S3_REGION"),
		},

		StagingDir:       getenvDefault("RELAY_STAGING_DIR", filepath.Join(os.TempDir(), "upload-relay")),
		CorrelationField: getenvDefault("RELAY_CORRELATION_FIELD", "fitcheckId"),
		MaxUploadBytes:   getenvInt64("RELAY_MAX_UPLOAD_BYTES", 0),
		RequestTimeout:   getenvDuration("RELAY_REQUEST_TIMEOUT", 5*time.Minute),

		UploadConcurrency: getenvInt("RELAY_UPLOAD_CONCURRENCY", 4),
		UploadRetries:     getenvInt("RELAY_UPLOAD_RETRIES", 2),
		BreakerFailures:   getenvInt("RELAY_BREAKER_FAILURES", 5),
		BreakerTimeout:    getenvDuration("RELAY_BREAKER_TIMEOUT", 30*time.Second),
		RateLimit:         getenvInt("RELAY_RATE_LIMIT", 0),

		JanitorInterval: getenvDuration("RELAY_JANITOR_INTERVAL", 10*time.Minute),
		JanitorMaxAge:   getenvDuration("RELAY_JANITOR_MAX_AGE", time.Hour),

		DatabaseURL: os.Getenv("RELAY_DATABASE_URL"),
	}
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	n, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
