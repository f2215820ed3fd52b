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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/fiatrates/internal/auth"
	"github.com/AlexKimmel/fiatrates/internal/config"
	"github.com/AlexKimmel/fiatrates/internal/fiat"
	"github.com/AlexKimmel/fiatrates/internal/gateway"
	"github.com/AlexKimmel/fiatrates/internal/obs"
	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
	"github.com/AlexKimmel/fiatrates/internal/ratelimit/memory"
)

// bucketIdle is how long an inbound bucket may sit unused before it is pruned.
const bucketIdle = 10 * time.Minute

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Root) error {
	logger := obs.SetupLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("version", version).Msg("starting fiatrates")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	clients, err := buildClients(cfg, logger, metrics.Observer(), metrics)
	if err != nil {
		return err
	}
	agg := fiat.NewAggregator(clients...)
	defer agg.Close()

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		pairs[k.Secret] = k.ID
	}
	keys := auth.NewStatic(cfg.Auth.Header, pairs)
	if !keys.Empty() {
		logger.Info().Str("header", keys.Header()).Int("keys", len(pairs)).Msg("admin endpoints enabled")
	}

	lim := memory.New()
	defer lim.Close()
	policy := ratelimit.Policy{
		RPM:   cfg.Limits.Default.RequestsPerMinute,
		Burst: cfg.Limits.Default.Burst,
	}

	mux := http.NewServeMux()
	gateway.NewAPI(agg, gateway.Options{
		Keys:      keys,
		Version:   version,
		Limiter:   lim,
		Policy:    policy,
		OnLimited: metrics.Limited,
	}).Register(mux)
	mux.Handle("GET "+cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	skip := map[string]struct{}{
		"/health":                        {},
		cfg.Observability.PrometheusPath: {},
	}
	// metrics sits next to the mux so it sees the pattern the mux matched
	handler := gateway.Chain(
		mux,
		gateway.Timeout(cfg.Server.RequestTimeout()),
		obs.Logger(logger),
		metrics.Middleware(skip),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneBuckets(ctx, lim, logger)

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	logger.Info().Msg("bye")
	return nil
}

func pruneBuckets(ctx context.Context, lim *memory.Limiter, logger zerolog.Logger) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := lim.Prune(now, bucketIdle); n > 0 {
				logger.Debug().Int("pruned", n).Int("buckets", lim.Len()).Msg("inbound buckets pruned")
			}
		}
	}
}
