package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/clowdr-app/clowdr-sub007/internal/remote"
)

// Config stores connectivity and throttling settings for the encoder API.
type Config struct {
	Remote              remote.Options
	DescribeRate        float64
	DescribeBurst       int
	DescribeConcurrency int
}

// LoadConfigFromEnv reads ENCODER_* variables.
func LoadConfigFromEnv() (Config, error) {
	opts, err := remote.LoadOptionsFromEnv("ENCODER")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Remote:              opts,
		DescribeRate:        5,
		DescribeBurst:       5,
		DescribeConcurrency: 4,
	}

	if raw := strings.TrimSpace(os.Getenv("ENCODER_DESCRIBE_RATE")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse ENCODER_DESCRIBE_RATE: %w", err)
		}
		cfg.DescribeRate = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("ENCODER_DESCRIBE_BURST")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ENCODER_DESCRIBE_BURST: %w", err)
		}
		cfg.DescribeBurst = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("ENCODER_DESCRIBE_CONCURRENCY")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ENCODER_DESCRIBE_CONCURRENCY: %w", err)
		}
		cfg.DescribeConcurrency = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether an encoder API endpoint is configured.
func (c Config) Enabled() bool {
	return c.Remote.BaseURL != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.DescribeRate <= 0 {
		return errors.New("encoder describe rate must be positive")
	}
	if c.DescribeBurst <= 0 {
		return errors.New("encoder describe burst must be positive")
	}
	if c.DescribeConcurrency <= 0 {
		return errors.New("encoder describe concurrency must be positive")
	}
	return nil
}

// NewGateway builds the throttled HTTP gateway, or a NoopGateway when the
// encoder is not configured.
func (c Config) NewGateway(client *http.Client, logger *slog.Logger) (Gateway, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() {
		return NoopGateway{}, nil
	}
	opts := c.Remote
	opts.HTTPClient = client
	opts.Logger = logger
	return NewThrottled(NewHTTPGateway(remote.New(opts)), c.DescribeRate, c.DescribeBurst, c.DescribeConcurrency), nil
}
