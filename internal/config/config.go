package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env              string
	Port             int
	DBPath           string
	InternalAPIToken string
	OTLPEndpoint     string

	// consumer
	QueueAPIURL    string
	MaxJobsPerTick int
	TickInterval   time.Duration
	CrawlTimeout   time.Duration
	ConsumerPort   int
}

func Load() Config {
	// .env is optional; the process environment always wins.
	_ = godotenv.Load()

	return Config{
		Env:              getEnv("ENVIRONMENT", "development"),
		Port:             getEnvInt("PORT", 8080),
		DBPath:           getEnv("DB_PATH", "data/crawlq.db"),
		InternalAPIToken: os.Getenv("INTERNAL_API_TOKEN"),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		QueueAPIURL:    getEnv("QUEUE_API_URL", "http://localhost:8080"),
		MaxJobsPerTick: clampInt(getEnvInt("MAX_JOBS_PER_TICK", 10), 1, 50),
		TickInterval:   getEnvMS("TICK_MS", 5_000),
		CrawlTimeout:   getEnvMS("CRAWL_TIMEOUT_MS", 15_000),
		ConsumerPort:   getEnvInt("CONSUMER_PORT", 8081),
	}
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvMS(key string, fallbackMS int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMS)) * time.Millisecond
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
