package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"notifications/internal/api"
	"notifications/internal/api/handlers"
	"notifications/internal/api/middleware"
	"notifications/internal/engine/history"
	"notifications/internal/pkg/logger"
	"notifications/internal/platform/auth"
	"notifications/internal/platform/config"
	"notifications/internal/platform/database"
	"notifications/internal/platform/metrics"
	"notifications/internal/platform/repositories"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	issueToken := flag.String("issue-token", "", "Print a service token for the named caller and exit")
	scopes := flag.String("scopes", auth.ScopeHistoryWrite+","+auth.ScopeHistoryRead, "Comma separated scopes for -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.JWT.ValidateSecret(); err != nil {
		stdlog.Fatalf("Refusing to start: %v", err)
	}

	tokenSvc := auth.NewTokenService(cfg.JWT)
	if *issueToken != "" {
		token, err := tokenSvc.GenerateServiceToken(*issueToken, strings.Split(*scopes, ","), cfg.JWT.TokenTTL)
		if err != nil {
			stdlog.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger.Init(cfg.Logging, "server")

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	m, err := metrics.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	ledger := history.NewLedger(
		repositories.NewHistoryRepository(db),
		history.Options{AcceptLegacyOutcome: cfg.History.AcceptLegacyOutcome},
		logger.Component("history_ledger"),
		m,
	)

	deps := &api.Dependencies{
		HistoryHandler: handlers.NewHistoryHandler(ledger, logger.Component("history_api")),
		HealthHandler:  handlers.NewHealthHandler(db),
		AuthMiddleware: middleware.NewAuthMiddleware(tokenSvc),
		RateLimiter:    middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = handlers.NewMetricsHandler(m)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", srv.Addr).Str("dialect", string(db.Dialect)).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
