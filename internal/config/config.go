package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr            string
	DataDir         string
	ActionsFile     string
	Actions         []string
	DefaultTimeout  time.Duration
	MaxConcurrency  int
	ArchivePath     string
	RetentionTTL    time.Duration
	RetentionCron   string
	SubmitRate      float64
	SubmitBurst     int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	RuntimeMetrics  bool
}

func Load() Config {
	return Config{
		Addr:            getenv("AUTOMATION_API_ADDR", ":8080"),
		DataDir:         getenv("AUTOMATION_DATA_DIR", filepath.Join(".", "data")),
		ActionsFile:     getenv("AUTOMATION_ACTIONS_FILE", ""),
		Actions:         getenvCSV("AUTOMATION_ACTIONS", nil),
		DefaultTimeout:  getenvDuration("AUTOMATION_DEFAULT_TIMEOUT", 30*time.Second),
		MaxConcurrency:  getenvInt("AUTOMATION_MAX_CONCURRENCY", 0),
		ArchivePath:     getenv("AUTOMATION_ARCHIVE_DB", ""),
		RetentionTTL:    getenvDuration("AUTOMATION_RETENTION_TTL", time.Hour),
		RetentionCron:   getenv("AUTOMATION_RETENTION_SCHEDULE", "@every 1m"),
		SubmitRate:      getenvFloat("AUTOMATION_SUBMIT_RATE", 0),
		SubmitBurst:     getenvInt("AUTOMATION_SUBMIT_BURST", 10),
		LogLevel:        getenv("AUTOMATION_LOG_LEVEL", "INFO"),
		LogFormat:       getenv("AUTOMATION_LOG_FORMAT", "json"),
		ShutdownTimeout: getenvDuration("AUTOMATION_SHUTDOWN_TIMEOUT", 30*time.Second),
		RuntimeMetrics:  getenvBool("AUTOMATION_RUNTIME_METRICS", true),
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

// getenvDuration accepts Go durations ("90s") and falls back on anything
// unparseable or negative. "0" is a valid value.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
