package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the service settings. Load from env; call LoadEnvFile(".env")
// first to pick up a local .env.
type Config struct {
	// Paths
	DataDir     string // root for everything below unless overridden
	EPGDir      string // raw guides, per-source indexes, combined index, merged.xml
	DBPath      string // SQLite file with epg_sources and channels
	SourcesFile string // optional YAML list of {name,url} seeded into epg_sources at serve start

	// HTTP API
	Addr     string
	APIRate  float64 // command endpoints, requests/second
	APIBurst int

	// Refresh
	Workers         int
	FetchTimeout    time.Duration // per attempt: connect + response headers
	FetchAttempts   int
	FetchBackoff    time.Duration // wait after the first failure; doubles per attempt
	FetchIdle       time.Duration // abandon a body silent for this long
	HostConcurrency int           // max parallel downloads per upstream host
	RefreshInterval time.Duration // 0 = no periodic refresh
	RefreshOnStart  bool

	// Matching
	MatchMinScore float64

	// Logging: LogFile "" = stdout only.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

func Load() *Config {
	dataDir := getEnv("EPGMUX_DATA_DIR", "./data")
	c := &Config{
		DataDir:         dataDir,
		EPGDir:          getEnv("EPGMUX_EPG_DIR", filepath.Join(dataDir, "epg")),
		DBPath:          getEnv("EPGMUX_DB", filepath.Join(dataDir, "db.sqlite")),
		SourcesFile:     os.Getenv("EPGMUX_SOURCES_FILE"),
		Addr:            getEnv("EPGMUX_ADDR", ":8000"),
		APIRate:         getEnvFloat("EPGMUX_API_RATE", 2),
		APIBurst:        getEnvInt("EPGMUX_API_BURST", 4),
		Workers:         getEnvInt("EPGMUX_WORKERS", 4),
		FetchTimeout:    getEnvDuration("EPGMUX_FETCH_TIMEOUT", 30*time.Second),
		FetchAttempts:   getEnvInt("EPGMUX_FETCH_ATTEMPTS", 3),
		FetchBackoff:    getEnvDuration("EPGMUX_FETCH_BACKOFF", 800*time.Millisecond),
		FetchIdle:       getEnvDuration("EPGMUX_FETCH_IDLE_TIMEOUT", 30*time.Second),
		HostConcurrency: getEnvInt("EPGMUX_HOST_CONCURRENCY", 2),
		RefreshInterval: getEnvDuration("EPGMUX_REFRESH_INTERVAL", 6*time.Hour),
		RefreshOnStart:  getEnvBool("EPGMUX_REFRESH_ON_START", true),
		MatchMinScore:   getEnvFloat("EPGMUX_MATCH_MIN_SCORE", 0.6),
		LogFile:         os.Getenv("EPGMUX_LOG_FILE"),
		LogMaxSizeMB:    getEnvInt("EPGMUX_LOG_MAX_SIZE_MB", 50),
		LogMaxBackups:   getEnvInt("EPGMUX_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:   getEnvInt("EPGMUX_LOG_MAX_AGE_DAYS", 14),
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.FetchAttempts < 1 {
		c.FetchAttempts = 1
	}
	if c.HostConcurrency < 1 {
		c.HostConcurrency = 1
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return defaultVal
		}
		return f
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
