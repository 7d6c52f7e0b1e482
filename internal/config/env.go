// Package config loads the recognized configuration set from environment
// variables (spec §6.5 — "All configuration is injected at start-up as
// key→value"; there is no config file and no flag layer in the core).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
)

// ParseString reads a string environment variable or returns defaultValue.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "key") || strings.Contains(lowerKey, "password") || strings.Contains(lowerKey, "token") {
			logger.Debug().Str("key", key).Bool("sensitive", true).Str("source", "environment").Msg("using environment variable")
		} else {
			logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
		}
		return v
	}
	logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer environment variable, falling back to defaultValue
// on absence or parse error (never panics on a malformed value).
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	return n
}

// ParseIntList reads a JSON array of ints (e.g. AUTO_END_WARNING_POINTS_SECONDS).
func ParseIntList(key string, defaultValue []int) []int {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	var out []int
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer list in environment variable, using default")
		return defaultValue
	}
	return out
}

// RateBucketConfig is one entry of RATE_LIMIT_DEFAULTS (spec §6.5, §4.1).
type RateBucketConfig struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

// ParseRateLimitDefaults reads RATE_LIMIT_DEFAULTS, a JSON object mapping
// bucket name to {limit, window_seconds}.
func ParseRateLimitDefaults(key string, defaultValue map[string]RateBucketConfig) map[string]RateBucketConfig {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	out := map[string]RateBucketConfig{}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		logger.Warn().Str("key", key).Msg("invalid JSON in RATE_LIMIT_DEFAULTS, using default")
		return defaultValue
	}
	return out
}
