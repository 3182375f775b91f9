// Package metrics exposes Prometheus instrumentation for the dosing rig.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	DosesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doser_doses_started_total",
		Help: "Dosing jobs started.",
	})
	DosesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doser_doses_completed_total",
		Help: "Dosing jobs that ran to completion.",
	})
	DosesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doser_doses_failed_total",
		Help: "Dosing jobs aborted by a fault or stop.",
	})
	DispensedGrams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doser_dispensed_grams_total",
		Help: "Mass dispensed per pump.",
	}, []string{"pump"})
	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "doser_step_duration_seconds",
		Help:    "Wall time per dosing step.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	LinkTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doser_link_timeouts_total",
		Help: "Motor commands that saw no reply within the timeout.",
	})
	ScaleDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doser_scale_decode_failures_total",
		Help: "Scale frames that could not be parsed.",
	})
	State = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doser_state",
		Help: "Current controller state as its enum value.",
	})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server shutdown", zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
