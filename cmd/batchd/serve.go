package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"batchd/internal/backend"
	"batchd/internal/batching"
	"batchd/internal/config"
	"batchd/internal/httpapi"
	"batchd/internal/logging"
	"batchd/internal/manager"
	"batchd/internal/metrics"
	"batchd/internal/tokenizer"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var (
		addr           string
		batchSize      int
		maxWaitMS      int
		minWorkers     int
		maxWorkers     int
		initialWorkers int
		cacheTTL       time.Duration
		dedupe         bool
		logLevel       string
		logFormat      string
		simBackends    int
		corsOrigins    string
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP server",
		Example: "  batchd serve --batch-size 8 --max-wait-ms 20\n  batchd --config batchd.yaml serve --addr :9000",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			cfg, err := loadConfig(*configPath, func(c *config.Config) {
				if f.Changed("addr") {
					c.Addr = addr
				}
				if f.Changed("batch-size") {
					c.BatchSize = batchSize
				}
				if f.Changed("max-wait-ms") {
					c.MaxWaitMS = maxWaitMS
				}
				if f.Changed("min-workers") {
					c.MinWorkers = minWorkers
				}
				if f.Changed("max-workers") {
					c.MaxWorkers = maxWorkers
				}
				if f.Changed("initial-workers") {
					c.InitialWorkers = initialWorkers
				}
				if f.Changed("cache-ttl") {
					c.CacheTTL = config.Duration(cacheTTL)
				}
				if f.Changed("dedupe-inflight") {
					c.DedupeInflight = dedupe
				}
				if f.Changed("log-level") {
					c.LogLevel = logLevel
				}
				if f.Changed("log-format") {
					c.LogFormat = logFormat
				}
				if f.Changed("sim-backends") {
					c.Backends = nil
					for i := 0; i < simBackends; i++ {
						c.Backends = append(c.Backends, config.Backend{Kind: config.BackendSim})
					}
				}
				if f.Changed("cors-origins") {
					c.CORS.Enabled = true
					c.CORS.AllowedOrigins = splitCSV(corsOrigins)
				}
			})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	d := config.Defaults()
	fl := cmd.Flags()
	fl.StringVar(&addr, "addr", d.Addr, "HTTP listen address")
	fl.IntVar(&batchSize, "batch-size", d.BatchSize, "Maximum requests per batch")
	fl.IntVar(&maxWaitMS, "max-wait-ms", d.MaxWaitMS, "Batching window in milliseconds")
	fl.IntVar(&minWorkers, "min-workers", d.MinWorkers, "Minimum batch workers per backend")
	fl.IntVar(&maxWorkers, "max-workers", d.MaxWorkers, "Maximum batch workers per backend")
	fl.IntVar(&initialWorkers, "initial-workers", d.InitialWorkers, "Batch workers started per backend")
	fl.DurationVar(&cacheTTL, "cache-ttl", d.CacheTTL.Std(), "Result cache entry lifetime")
	fl.BoolVar(&dedupe, "dedupe-inflight", d.DedupeInflight, "Coalesce concurrent misses for the same prompt and budget")
	fl.StringVar(&logLevel, "log-level", d.LogLevel, "Log level: debug|info|warn|error")
	fl.StringVar(&logFormat, "log-format", d.LogFormat, "Log format: console|json")
	fl.IntVar(&simBackends, "sim-backends", 1, "Replace configured backends with N simulated ones")
	fl.StringVar(&corsOrigins, "cors-origins", "", "Enable CORS for these comma-separated origins")
	return cmd
}

// serve wires the components and runs until ctx is canceled or the listener
// fails, then drains the manager and shuts the HTTP server down.
func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	tok, err := tokenizer.New(cfg.Tokenizer.Kind, cfg.Tokenizer.Encoding)
	if err != nil {
		return err
	}
	engines := make([]manager.EngineSpec, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		be, err := backend.FromConfig(b, tok)
		if err != nil {
			return fmt.Errorf("backend %s: %w", b.Name, err)
		}
		engines = append(engines, manager.EngineSpec{Name: b.Name, Backend: be})
	}
	mgr, err := manager.New(manager.ManagerConfig{
		Engines:            engines,
		Tokenizer:          tok,
		Policy:             batching.Policy{BatchSize: cfg.BatchSize, MaxWait: cfg.MaxWait()},
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		InitialWorkers:     cfg.InitialWorkers,
		ScaleUpQueueDepth:  cfg.ScaleUpQueueDepth,
		AutoscaleInterval:  cfg.AutoscaleInterval.Std(),
		CacheTTL:           cfg.CacheTTL.Std(),
		CacheSweepInterval: cfg.CacheSweepInterval.Std(),
		MaxNewTokensLimit:  cfg.MaxNewTokensLimit,
		DedupeInflight:     cfg.DedupeInflight,
		Observer:           metrics.New(prometheus.DefaultRegisterer),
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	httpapi.SetLogger(logger)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetRequestTimeout(cfg.RequestTimeout.Std())
	httpapi.SetDefaultMaxNewTokens(cfg.DefaultMaxNewTokens)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders, cfg.CORS.MaxAge)
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Start(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Int("backends", len(engines)).Int("batch_size", cfg.BatchSize).
			Int("max_wait_ms", cfg.MaxWaitMS).Msg("batchd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		var errs []error
		if err := mgr.Close(shCtx); err != nil {
			errs = append(errs, fmt.Errorf("close manager: %w", err))
		}
		cancelBase()
		if err := srv.Shutdown(shCtx); err != nil {
			errs = append(errs, fmt.Errorf("graceful shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	err = g.Wait()
	logger.Info().Err(err).Msg("batchd stopped")
	return err
}
