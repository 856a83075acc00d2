package notifier

import (
	"context"
	"errors"

	"github.com/sethvargo/go-envconfig"
)

// ServiceConfig holds runtime configuration for the notifier binary.
type ServiceConfig struct {
	NATSURL       string `env:"NATS_URL,required"`
	ReviewBaseURL string `env:"REVIEW_BASE_URL,default=http://localhost:5173/sessions"`
	MetricsAddr   string `env:"METRICS_ADDR,default=:9091"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
}

// LoadServiceConfig reads ServiceConfig from the environment.
func LoadServiceConfig(ctx context.Context, lookuper envconfig.Lookuper) (ServiceConfig, error) {
	var cfg ServiceConfig
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return ServiceConfig{}, err
	}
	if cfg.MetricsAddr == "" {
		return ServiceConfig{}, errors.New("METRICS_ADDR must not be empty")
	}
	return cfg, nil
}
