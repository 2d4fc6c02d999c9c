package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbellamy/taskpilot/internal/auth"
	"github.com/kbellamy/taskpilot/internal/config"
	"github.com/kbellamy/taskpilot/internal/db"
	"github.com/kbellamy/taskpilot/internal/gateway"
	"github.com/kbellamy/taskpilot/internal/health"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/metrics"
	"github.com/kbellamy/taskpilot/internal/store"
	"github.com/kbellamy/taskpilot/internal/tracing"
	"github.com/kbellamy/taskpilot/internal/transport"
	"github.com/kbellamy/taskpilot/migrations"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("taskpilot-gateway")

	shutdown, err := tracing.InitTracing(ctx, "taskpilot-gateway")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect + migrate
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Stream publisher
	pub, err := transport.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer pub.Stop()

	validator, err := auth.NewSessionValidator(cfg.Sessions.TokenSecret)
	if err != nil {
		logger.Plain().WithError(err).Fatal("session validator init failed")
	}

	st := store.NewPostgres(pool)
	svc := gateway.NewService(st, pub, cfg.Tasks, cfg.Sessions.ActivityWindow, logger)

	r := chi.NewRouter()
	r.Get("/healthz", health.HTTPHandler(pool))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", gateway.Router(svc, validator))

	srv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("gateway HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("gateway HTTP server failed")
		}
	}()

	logger.Plain().Info("gateway service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down gateway service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("gateway service stopped")
}
