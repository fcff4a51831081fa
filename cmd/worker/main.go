package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/backpressure/internal/config"
	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/health"
	"github.com/austindbirch/backpressure/internal/logging"
	"github.com/austindbirch/backpressure/internal/metrics"
	"github.com/austindbirch/backpressure/internal/runner"
	"github.com/austindbirch/backpressure/internal/tracing"
)

const (
	serviceName = "backpressure-worker"

	exitOK      = 0
	exitPartial = 1 // some requests were not delivered
	exitSetup   = 2 // components could not be built
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Error("Failed to initialize tracing")
		return exitSetup
	}
	defer shutdown()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	c, err := runner.Build(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Error("worker setup failed")
		return exitSetup
	}
	defer c.Close()

	httpSrv := newHTTPServer(cfg.Worker.MetricsPort, reg, c.Health)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("worker HTTP server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	res, err := c.NewWorker(cfg.Worker, logger).Run(ctx)
	code := exitCode(err)
	logger.Plain().WithFields(map[string]any{
		"run_id":    res.RunID,
		"outcome":   string(res.Outcome),
		"delivered": res.Delivered,
		"unsent":    res.Failed(),
		"exit_code": code,
	}).Info("worker finished")
	return code
}

func newHTTPServer(addr string, reg *prometheus.Registry, deps map[string]health.Pinger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(deps))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// exitCode maps the outcome of a run to the process exit status. A silent
// run never reaches exitPartial because Run returns a nil error.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, delivery.ErrPartialDelivery):
		return exitPartial
	default:
		return exitSetup
	}
}
