package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbellamy/taskpilot/internal/config"
	"github.com/kbellamy/taskpilot/internal/consumer"
	"github.com/kbellamy/taskpilot/internal/db"
	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/health"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/metrics"
	"github.com/kbellamy/taskpilot/internal/notify"
	"github.com/kbellamy/taskpilot/internal/store"
	"github.com/kbellamy/taskpilot/internal/sweeper"
	"github.com/kbellamy/taskpilot/internal/tracing"
	"github.com/kbellamy/taskpilot/internal/transport"
	"github.com/kbellamy/taskpilot/migrations"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("taskpilot-orchestrator")

	shutdown, err := tracing.InitTracing(ctx, "taskpilot-orchestrator")
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

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpPort := os.Getenv("HTTP_PORT")
	if httpPort == "" {
		httpPort = ":8082"
	}
	httpSrv := &http.Server{Addr: httpPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("orchestrator HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("orchestrator HTTP server failed")
		}
	}()

	// Stream publisher (push notifications, dead letters, sweeper events)
	pub, err := transport.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer pub.Stop()

	st := store.NewPostgres(pool)
	streams := event.Streams{Namespace: cfg.Tasks.Namespace}
	dispatcher := notify.NewDispatcher(st, pub, streams, cfg.Sessions.ActivityWindow, logger)

	gov := consumer.Governor{
		Base:        cfg.Consumer.BackoffBase,
		Max:         cfg.Consumer.BackoffMax,
		JitterPct:   cfg.Consumer.JitterPercent,
		MaxAttempts: cfg.Consumer.MaxAttempts,
	}
	handler := consumer.New(st, pub, dispatcher, gov, cfg.Tasks.Retention, streams, logger)

	// One consumer-group member per event stream, all sharing the handler.
	members := make([]*transport.GroupConsumer, 0, 4)
	for _, stream := range []string{streams.Progress(), streams.Completed(), streams.Failed(), streams.Timeout()} {
		member, err := transport.NewGroupConsumer(transport.ConsumerOpts{
			Stream:      stream,
			Group:       cfg.NSQ.ConsumerGroup,
			MaxInFlight: cfg.NSQ.MaxInFlight,
			Concurrency: cfg.Consumer.Concurrency,
		}, handler)
		if err != nil {
			logger.Plain().WithStream(stream).WithError(err).Fatal("consumer creation failed")
		}
		if err := member.Connect(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithStream(stream).WithError(err).Fatal("consumer connect failed")
		}
		members = append(members, member)
	}

	// Timeout, republish and retention sweeps
	sw := sweeper.New(st, pub, dispatcher, streams, cfg.Tasks, logger)
	go sw.Run(ctx)

	logger.Plain().WithFields(map[string]any{
		"group":     cfg.NSQ.ConsumerGroup,
		"namespace": cfg.Tasks.Namespace,
	}).Info("orchestrator service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down orchestrator service")
	cancel()
	for _, member := range members {
		member.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("orchestrator service stopped")
}
