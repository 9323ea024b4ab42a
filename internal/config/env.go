package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
)

// ServeConfig holds runtime settings for the HTTP server.
type ServeConfig struct {
	Addr                       string `env:"UPGRADE_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath                   string `env:"UPGRADE_BASE_PATH" envDefault:"/v1"`
	JWTSecret                  string `env:"UPGRADE_JWT_SECRET"`
	AllowLegacyPrincipalHeader bool   `env:"UPGRADE_ALLOW_LEGACY_PRINCIPAL_HEADER" envDefault:"false"`
	LogLevel                   string `env:"UPGRADE_LOG_LEVEL" envDefault:"info"`
	PrettyLogs                 bool   `env:"UPGRADE_PRETTY_LOGS" envDefault:"false"`
	OTelEndpoint               string `env:"UPGRADE_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return errors.Wrap(err, "parse env")
	}
	return nil
}

// LoadServeConfig reads ServeConfig from the environment.
func LoadServeConfig() (ServeConfig, error) {
	var cfg ServeConfig
	if err := ParseEnv(&cfg); err != nil {
		return ServeConfig{}, err
	}
	return cfg, nil
}
