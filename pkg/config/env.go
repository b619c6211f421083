package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// envStr returns the environment value for key, or def when unset or empty.
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt parses an integer environment value, falling back to def on
// absence or parse failure (parse failures are logged, not fatal).
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		return def
	}
	return n
}

// envBool parses a boolean environment value ("true"/"false", "1"/"0").
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment value", "key", key, "value", v)
		return def
	}
	return b
}

// envHours reads an hour count and returns it as a duration.
func envHours(key string, defHours int) time.Duration {
	return time.Duration(envInt(key, defHours)) * time.Hour
}

// envSeconds reads a second count and returns it as a duration.
func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}
