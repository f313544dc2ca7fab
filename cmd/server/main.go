package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"route_engine/internal/bulk"
	"route_engine/internal/config"
	"route_engine/internal/controllers"
	"route_engine/internal/logger"
	"route_engine/internal/middleware"
	"route_engine/internal/report"
	"route_engine/internal/routes"
	"route_engine/internal/store"
	"route_engine/internal/store/gormstore"
	"route_engine/internal/store/memstore"
	"route_engine/internal/validation"
)

func main() {
	if err := run(); err != nil {
		report.ReportError(err, report.Options{Level: sentry.LevelFatal})
		report.Flush()
		logrus.WithError(err).Fatal("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.LogFile, cfg.LogLevel); err != nil {
		return err
	}
	if err := report.Setup(cfg.SentryDSN, cfg.SentryEnv); err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}
	defer report.Flush()

	routeStore, err := openStore(cfg)
	if err != nil {
		return err
	}

	engine := validation.NewEngine(validation.Thresholds{
		MinStopSeparationMeters: cfg.MinStopSeparationMeters,
		MaxStopGapMeters:        cfg.MaxStopGapMeters,
	})
	coordinator := bulk.NewCoordinator(routeStore, engine, cfg.BulkConcurrency)
	rc := controllers.NewRouteController(coordinator, cfg.MaxImportBytes)
	router := routes.SetupRouter(rc, middleware.NewAuth(cfg.JWTSecret), cfg.CORSOrigins)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "store": cfg.StoreDriver}).Info("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logrus.Warn("Using in-memory store, routes are lost on restart")
		return memstore.New(), nil
	}

	db, err := config.OpenDB(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := gormstore.Migrate(db); err != nil {
		return nil, err
	}
	return gormstore.New(db), nil
}
