package config

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg Config)
		wantErr bool
	}{
		{
			name: "defaults",
			env:  map[string]string{"INVITE_SIGNING_SECRET": testSecret, "DB_DSN": "postgres://localhost/eval"},
			check: func(t *testing.T, cfg Config) {
				if cfg.Addr != ":8080" || cfg.StoreDriver != DriverPostgres {
					t.Fatalf("unexpected defaults: %+v", cfg)
				}
				if cfg.InviteTTL != 168*time.Hour || cfg.JoinRateLimit != 30 || cfg.RequireEvaluatorsToActivate {
					t.Fatalf("unexpected invite defaults: %+v", cfg)
				}
				if cfg.TokenIssuer != "evalsession" || cfg.TokenAudience != "evalsession-join" {
					t.Fatalf("unexpected token defaults: %+v", cfg)
				}
			},
		},
		{
			name: "memory driver without dsn",
			env: map[string]string{
				"INVITE_SIGNING_SECRET":          testSecret,
				"STORE_DRIVER":                   " Memory ",
				"REQUIRE_EVALUATORS_TO_ACTIVATE": "true",
				"CORS_ALLOWED_ORIGINS":           "https://a.example,https://b.example",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.StoreDriver != DriverMemory || !cfg.RequireEvaluatorsToActivate {
					t.Fatalf("unexpected config: %+v", cfg)
				}
				if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
					t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
				}
			},
		},
		{
			name:    "missing secret",
			env:     map[string]string{"DB_DSN": "postgres://localhost/eval"},
			wantErr: true,
		},
		{
			name:    "short secret",
			env:     map[string]string{"INVITE_SIGNING_SECRET": "short", "STORE_DRIVER": "memory"},
			wantErr: true,
		},
		{
			name:    "postgres without dsn",
			env:     map[string]string{"INVITE_SIGNING_SECRET": testSecret},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"INVITE_SIGNING_SECRET": testSecret, "STORE_DRIVER": "sqlite"},
			wantErr: true,
		},
		{
			name:    "zero rate limit",
			env:     map[string]string{"INVITE_SIGNING_SECRET": testSecret, "STORE_DRIVER": "memory", "JOIN_RATE_LIMIT": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			tt.check(t, cfg)
		})
	}
}
