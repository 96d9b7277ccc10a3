// Command proxy runs the client-facing side of the service: the three
// guarded DSO operations (get-history, subscribe, unsubscribe) behind a
// minimal operational HTTP surface, since the messaging transport itself is
// out of scope (spec.md §1, §6.1).
//
// Grounded on apps/discovery-service/cmd/api/main.go's main() shape:
// zap logger, OTel tracer, otelpgx-instrumented pgxpool, echo HTTP server
// with otelecho + request-logging + recover middleware, signal-driven
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/consometers/sge-tiers-proxy/internal/config"
	"github.com/consometers/sge-tiers-proxy/internal/consent"
	"github.com/consometers/sge-tiers-proxy/internal/coordinator"
	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/handler"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/obslog"
	"github.com/consometers/sge-tiers-proxy/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err) // no logger yet to report through
	}

	logger := obslog.New("proxy", cfg.LogDir)
	defer logger.Sync()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := tracing.InitTracer(context.Background(), "sge-tiers-proxy", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		logger.Fatal("failed to parse db_url", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	store := ledger.NewStore(pool)

	dsoLocation, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		logger.Fatal("failed to load DSO time zone", zap.Error(err))
	}
	dso, err := dsoclient.NewWithClientCert(cfg.DSO.BaseURL, cfg.DSO.Login, cfg.DSO.ContractID,
		dsoLocation, cfg.DSO.CertPath, cfg.DSO.PrivateKeyPath)
	if err != nil {
		logger.Fatal("failed to build DSO client", zap.Error(err))
	}

	resolver := consent.New(store)
	coord := coordinator.New(store, store, dso)
	h := handler.New(store, store, resolver, coord, dso)

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("sge-tiers-proxy"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request", zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())

	registerAdminRoutes(e, h, logger)

	go func() {
		logger.Info("sge-tiers-proxy admin HTTP server listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
	logger.Info("sge-tiers-proxy shut down cleanly")
}
