// stream-monitor polls nsqd's stats endpoint and exports per-stream,
// per-group backlog depth as Prometheus gauges. Runs as a sidecar so the
// gateway and orchestrator don't each have to scrape the broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbellamy/taskpilot/internal/config"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/metrics"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New("taskpilot-stream-monitor")

	interval := 15 * time.Second
	if v := os.Getenv("MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpPort := os.Getenv("HTTP_PORT")
	if httpPort == "" {
		httpPort = ":8084"
	}
	httpSrv := &http.Server{Addr: httpPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("stream monitor HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("stream monitor HTTP server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poll(ctx, cfg, interval, logger)

	logger.Plain().WithField("interval", interval.String()).Info("stream monitor started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down stream monitor")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func poll(ctx context.Context, cfg config.Config, interval time.Duration, logger *logging.Logger) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	// nsqd serves stats on its HTTP port, one above the TCP port.
	nsqdHTTPAddr := strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
	statsURL := fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr)
	prefix := cfg.Tasks.Namespace + "."

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := httpClient.Get(statsURL)
		if err != nil {
			logger.Plain().WithError(err).Error("Failed to get NSQ stats")
			continue
		}

		var stats struct {
			Topics []struct {
				Name     string `json:"topic_name"`
				Channels []struct {
					Name  string `json:"channel_name"`
					Depth int64  `json:"depth"`
				} `json:"channels"`
			} `json:"topics"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			resp.Body.Close()
			logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
			continue
		}
		resp.Body.Close()

		for _, topic := range stats.Topics {
			if !strings.HasPrefix(topic.Name, prefix) {
				continue
			}
			for _, channel := range topic.Channels {
				metrics.UpdateStreamDepth(topic.Name, channel.Name, float64(channel.Depth))
			}
		}
	}
}
