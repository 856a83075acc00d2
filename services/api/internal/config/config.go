package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	minSecretLength = 32
)

// Config holds runtime configuration for the sessions API service.
type Config struct {
	Addr                        string        `env:"ADDR,default=:8080"`
	DBDSN                       string        `env:"DB_DSN"`
	StoreDriver                 string        `env:"STORE_DRIVER,default=postgres"`
	SigningSecret               string        `env:"INVITE_SIGNING_SECRET,required"`
	TokenIssuer                 string        `env:"INVITE_TOKEN_ISSUER,default=evalsession"`
	TokenAudience               string        `env:"INVITE_TOKEN_AUDIENCE,default=evalsession-join"`
	InviteTTL                   time.Duration `env:"INVITE_DEFAULT_TTL,default=168h"`
	InviteBaseURL               string        `env:"INVITE_BASE_URL,default=http://localhost:5173/join"`
	RequireEvaluatorsToActivate bool          `env:"REQUIRE_EVALUATORS_TO_ACTIVATE,default=false"`
	JoinRateLimit               int           `env:"JOIN_RATE_LIMIT,default=30"`
	NATSURL                     string        `env:"NATS_URL"`
	OTLPEndpoint                string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins              []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	LogLevel                    string        `env:"LOG_LEVEL,default=info"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	if len(c.SigningSecret) < minSecretLength {
		return fmt.Errorf("INVITE_SIGNING_SECRET must be at least %d bytes", minSecretLength)
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DBDSN) == "" {
			return errors.New("DB_DSN is required when STORE_DRIVER=postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", DriverPostgres, DriverMemory)
	}
	if c.InviteTTL <= 0 {
		return errors.New("INVITE_DEFAULT_TTL must be positive")
	}
	if c.JoinRateLimit <= 0 {
		return errors.New("JOIN_RATE_LIMIT must be positive")
	}
	return nil
}
