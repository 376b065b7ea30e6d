package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-warplock/v1/metrics"
)

// startTelemetry serves /metrics on metricsAddr when set and installs a
// stdout span exporter when trace is true. The returned func tears both down.
func startTelemetry(ctx context.Context, metricsAddr string, trace bool) (func(), error) {
	var stops []func(context.Context)

	if trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		stops = append(stops, func(ctx context.Context) { _ = tp.Shutdown(ctx) })
	}

	if metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("warplock: metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		logger.Info("warplock: serving metrics", "addr", metricsAddr)
		stops = append(stops, func(ctx context.Context) { _ = srv.Shutdown(ctx) })
	}

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i](sctx)
		}
	}, nil
}
