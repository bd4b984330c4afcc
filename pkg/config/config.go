package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key and whether it was set.
func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// parsed reads key through parse, logging and falling back on malformed values.
func parsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	out, err := parse(value)
	if err != nil {
		slog.Warn("invalid config value, using default", "key", key, "value", value, "error", err)
		return fallback
	}
	return out
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	return parsed(key, fallback, strconv.Atoi)
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	return parsed(key, fallback, strconv.ParseBool)
}

// GetSeconds reads an integer number of seconds and returns it as a duration.
func GetSeconds(key string, fallback int) time.Duration {
	return time.Duration(GetInt(key, fallback)) * time.Second
}
