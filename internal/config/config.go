package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Env            string
	ListenAddr     string
	Store          string // postgres|memory
	DatabaseURL    string
	MigrateOnStart bool
	ScanWorkers    int
	PollInterval   time.Duration
	ScanTimeout    time.Duration

	AutoscanInterval time.Duration

	FeedName         string
	FeedURL          string // may contain {date} (YYYY-MM-DD)
	FeedBatchSize    int
	FeedPollInterval time.Duration

	EvidenceURL      string
	NotifyWebhookURL string
	DNSServer        string
	WebFetchRate     float64 // requests per second during the web step

	LogLevel  string
	LogFormat string

	TiersFile string
	Policy    Policy
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		var out float64
		_, err := fmt.Sscanf(v, "%g", &out)
		if err == nil {
			return out
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// Load reads configuration from the environment. A missing DATABASE_URL is
// reported as an error only when the postgres store is selected; callers
// decide whether that is fatal.
func Load() (Config, error) {
	cfg := Config{
		Env:              getenv("APP_ENV", "development"),
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
		Store:            getenv("STORE", "postgres"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		MigrateOnStart:   getenvBool("MIGRATE_ON_START", false),
		ScanWorkers:      getenvInt("SCAN_WORKERS", 4),
		PollInterval:     getenvDuration("POLL_INTERVAL", 500*time.Millisecond),
		ScanTimeout:      getenvDuration("SCAN_TIMEOUT", 30*time.Minute),
		AutoscanInterval: getenvDuration("AUTOSCAN_INTERVAL", 0),
		FeedName:         getenv("FEED_NAME", "nrd"),
		FeedURL:          os.Getenv("FEED_URL"),
		FeedBatchSize:    getenvInt("FEED_BATCH_SIZE", 5000),
		FeedPollInterval: getenvDuration("FEED_POLL_INTERVAL", time.Hour),
		EvidenceURL:      os.Getenv("EVIDENCE_URL"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		DNSServer:        getenv("DNS_SERVER", "1.1.1.1:53"),
		WebFetchRate:     getenvFloat("WEB_FETCH_RATE", 5),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "text"),
		TiersFile:        os.Getenv("TIERS_FILE"),
	}

	policy := DefaultPolicy()
	if cfg.TiersFile != "" {
		p, err := LoadPolicyFile(cfg.TiersFile)
		if err != nil {
			return cfg, err
		}
		policy = p
	}
	cfg.Policy = policy

	if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL not set")
	}
	return cfg, nil
}
