package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"evalsession/pkg/bus"
	"evalsession/pkg/db"
	"evalsession/pkg/telemetry"
	"evalsession/services/api"
	"evalsession/services/api/internal/config"
	"evalsession/services/sessions"
	"evalsession/services/sessions/admission"
	"evalsession/services/sessions/lifecycle"
	"evalsession/services/sessions/memstore"
	"evalsession/services/sessions/pgstore"
	"evalsession/services/sessions/token"
)

const serviceName = "evalsession-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	store, ready, closeStore := openStore(ctx, cfg)
	defer closeStore()

	var publisher sessions.Publisher
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer b.Close()
		if err := b.EnsureStream(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure stream")
		}
		publisher = b
	} else {
		log.Warn().Msg("NATS_URL not set; domain events are not published")
	}

	codec, err := token.NewCodec(token.Config{
		Secret:   []byte(cfg.SigningSecret),
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("token codec")
	}

	lc, err := lifecycle.New(lifecycle.Config{
		Store:                       store,
		Codec:                       codec,
		Publisher:                   publisher,
		RequireEvaluatorsToActivate: cfg.RequireEvaluatorsToActivate,
		InviteTTL:                   cfg.InviteTTL,
		InviteBaseURL:               cfg.InviteBaseURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("lifecycle")
	}
	adm, err := admission.New(admission.Config{
		Store:     store,
		Codec:     codec,
		Publisher: publisher,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("admission")
	}

	a, err := api.New(lc, adm, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		JoinRateLimit:  cfg.JoinRateLimit,
		Ready:          ready,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("api")
	}
	handler, err := a.Routes()
	if err != nil {
		log.Fatal().Err(err).Msg("routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("starting " + serviceName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}

func openStore(ctx context.Context, cfg config.Config) (sessions.Store, func(context.Context) error, func()) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn().Msg("using in-memory store; data is lost on restart")
		return memstore.New(), nil, func() {}
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		log.Fatal().Err(err).Msg("open orm")
	}
	store, err := pgstore.New(orm, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres store")
	}

	ready := func(ctx context.Context) error { return db.Ping(ctx, pool) }
	return store, ready, pool.Close
}
