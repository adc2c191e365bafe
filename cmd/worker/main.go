package main

import (
	"context"
	"errors"
	"flag"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"notifications/internal/engine/readiness"
	"notifications/internal/pkg/logger"
	"notifications/internal/platform/bridge"
	"notifications/internal/platform/config"
	"notifications/internal/platform/database"
	"notifications/internal/platform/metrics"
	"notifications/internal/platform/models"
	"notifications/internal/platform/repositories"
	"notifications/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	once := flag.Bool("once", false, "Run a single ready check cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging, "worker")

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	m, err := metrics.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	client, err := bridge.NewClient(cfg.Bridge, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create bridge client")
	}
	tokens, err := bridge.NewTokenProvider(cfg.Auth, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create bridge token provider")
	}

	checker := readiness.NewChecker(
		repositories.NewEndpointRepository(db),
		client,
		tokens,
		readiness.Options{
			BridgeID:     cfg.Bridge.ID,
			EndpointType: models.EndpointType(cfg.ReadyCheck.EndpointType),
			SubTypes:     cfg.ReadyCheck.SubTypes,
			BatchSize:    cfg.ReadyCheck.BatchSize,
			LeaseTTL:     cfg.ReadyCheck.LeaseTTL,
		},
		logger.Component("ready_checker"),
		m,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		res, err := checker.RunCheckCycle(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("ready check cycle failed")
		}
		log.Info().Interface("result", res).Msg("ready check cycle finished")
		return
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Listen, m)
	}

	if !cfg.ReadyCheck.Enabled {
		log.Warn().Msg("ready check disabled, waiting for shutdown")
		<-ctx.Done()
		return
	}

	job := &workers.Periodic{
		Name:       "ready_check",
		Interval:   cfg.ReadyCheck.Period,
		RunAtStart: true,
		Logger:     logger.Component("scheduler"),
		Job: func(ctx context.Context) error {
			_, err := checker.RunCheckCycle(ctx)
			return err
		},
	}
	if err := job.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("ready check worker failed")
	}
	log.Info().Msg("worker stopped")
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
