package remote

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadOptionsFromEnv reads {prefix}_BASE_URL, {prefix}_TOKEN, {prefix}_TIMEOUT,
// {prefix}_MAX_ATTEMPTS and {prefix}_RETRY_INTERVAL.
func LoadOptionsFromEnv(prefix string) (Options, error) {
	opts := Options{
		BaseURL:       strings.TrimSpace(os.Getenv(prefix + "_BASE_URL")),
		Token:         strings.TrimSpace(os.Getenv(prefix + "_TOKEN")),
		Timeout:       defaultTimeout,
		MaxAttempts:   5,
		RetryInterval: time.Second,
	}

	if raw := strings.TrimSpace(os.Getenv(prefix + "_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Options{}, fmt.Errorf("parse %s_TIMEOUT: %w", prefix, err)
		}
		if parsed > 0 {
			opts.Timeout = parsed
		}
	}

	if raw := strings.TrimSpace(os.Getenv(prefix + "_MAX_ATTEMPTS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Options{}, fmt.Errorf("parse %s_MAX_ATTEMPTS: %w", prefix, err)
		}
		if parsed > 0 {
			opts.MaxAttempts = parsed
		}
	}

	if raw := strings.TrimSpace(os.Getenv(prefix + "_RETRY_INTERVAL")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Options{}, fmt.Errorf("parse %s_RETRY_INTERVAL: %w", prefix, err)
		}
		if parsed >= 0 {
			opts.RetryInterval = parsed
		}
	}

	return opts, nil
}
