package infra

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/clowdr-app/clowdr-sub007/internal/remote"
)

// Config stores connectivity for the deployment API.
type Config struct {
	Remote          remote.Options
	NotificationARN string
}

// LoadConfigFromEnv reads INFRA_* variables.
func LoadConfigFromEnv() (Config, error) {
	opts, err := remote.LoadOptionsFromEnv("INFRA")
	if err != nil {
		return Config{}, err
	}
	return Config{
		Remote:          opts,
		NotificationARN: strings.TrimSpace(os.Getenv("INFRA_NOTIFICATION_ARN")),
	}, nil
}

func (c Config) Enabled() bool {
	return c.Remote.BaseURL != ""
}

// NewDeployer returns the HTTP deployer, or NoopDeployer when unconfigured.
func (c Config) NewDeployer(client *http.Client, logger *slog.Logger) Deployer {
	if !c.Enabled() {
		return NoopDeployer{}
	}
	opts := c.Remote
	opts.HTTPClient = client
	opts.Logger = logger
	return NewHTTPDeployer(remote.New(opts), c.NotificationARN)
}
