package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/g960059/sigbridge/internal/advisor"
	"github.com/g960059/sigbridge/internal/config"
	"github.com/g960059/sigbridge/internal/daemon"
	"github.com/g960059/sigbridge/internal/db"
	"github.com/g960059/sigbridge/internal/health"
	"github.com/g960059/sigbridge/internal/logging"
	"github.com/g960059/sigbridge/internal/metrics"
	"github.com/g960059/sigbridge/internal/orchestrator"
	"github.com/g960059/sigbridge/internal/provider"
	"github.com/g960059/sigbridge/internal/provider/bridge"
	"github.com/g960059/sigbridge/internal/provider/messaging"
	"github.com/g960059/sigbridge/internal/push"
)

const retentionInterval = time.Hour

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fatal(err)
	}
	log := logging.New(logging.ProfileRuntime, os.Stderr).With().Str("component", "sigbridged").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("daemon stopped")
		os.Exit(1)
	}
}

// parseFlags loads the optional TOML file and then applies the flags that were
// set explicitly on the command line.
func parseFlags(args []string) (config.Config, error) {
	defaults := config.DefaultConfig()
	fs := flag.NewFlagSet("sigbridged", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("SIGBRIDGE_CONFIG"), "TOML config path")
	socketPath := fs.String("socket", defaults.SocketPath, "UDS path for sigbridged")
	dbPath := fs.String("db", defaults.DBPath, "SQLite path")
	pushURL := fs.String("push-url", "", "bridge provider push websocket URL")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.SocketPath = *socketPath
		case "db":
			cfg.DBPath = *dbPath
		case "push-url":
			cfg.PushURL = *pushURL
		}
	})
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	msgClient, err := messaging.New(providerOptions(cfg, cfg.MessagingBaseURL, cfg.MessagingToken))
	if err != nil {
		return fmt.Errorf("messaging provider: %w", err)
	}
	bridgeClient, err := bridge.New(providerOptions(cfg, cfg.BridgeBaseURL, cfg.BridgeToken))
	if err != nil {
		return fmt.Errorf("bridge provider: %w", err)
	}

	facade := orchestrator.New(orchestrator.Options{
		Messaging:          msgClient,
		Bridge:             bridgeClient,
		Store:              store,
		Logger:             log.With().Str("component", "orchestrator").Logger(),
		Metrics:            m,
		PollInterval:       cfg.PollInterval,
		PollMaxDuration:    cfg.PollMaxDuration,
		Suggest:            advisor.Options{Limit: cfg.SuggestionLimit, Threshold: cfg.SuggestionThreshold},
		SubscriptionBuffer: cfg.SubscriptionBuffer,
		HealthPolicy:       health.PolicyFromConfig(cfg),
	})
	defer facade.Close()
	if err := facade.Restore(ctx); err != nil {
		return fmt.Errorf("restore connection states: %w", err)
	}

	srv := daemon.NewServer(cfg, daemon.Options{
		Facade:      facade,
		Transitions: store,
		Gatherer:    reg,
		Metrics:     m,
		Logger:      log.With().Str("component", "daemon").Logger(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(srv.Start(gctx))
	})
	if cfg.PushURL != "" {
		sub, err := push.New(push.Options{
			URL:        cfg.PushURL,
			Token:      cfg.BridgeToken,
			Handler:    facade,
			Metrics:    m,
			Logger:     log.With().Str("component", "push").Logger(),
			MinBackoff: cfg.PushMinBackoff,
			MaxBackoff: cfg.PushMaxBackoff,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return ignoreCanceled(sub.Run(gctx))
		})
	} else {
		log.Info().Msg("push_url not set, relying on webhook pushes and polling")
	}
	g.Go(func() error {
		runRetention(gctx, store, cfg.TransitionTTL, m, log)
		return nil
	})
	return g.Wait()
}

func providerOptions(cfg config.Config, baseURL, token string) provider.HTTPOptions {
	limit := rate.Inf
	if cfg.ProviderRateLimit > 0 {
		limit = rate.Limit(cfg.ProviderRateLimit)
	}
	burst := cfg.ProviderBurst
	if burst <= 0 {
		burst = 1
	}
	return provider.HTTPOptions{
		BaseURL: baseURL,
		Token:   token,
		Timeout: cfg.ProviderTimeout,
		Limiter: rate.NewLimiter(limit, burst),
	}
}

type transitionPurger interface {
	PurgeTransitions(ctx context.Context, cutoff time.Time) (int64, error)
}

func runRetention(ctx context.Context, store transitionPurger, ttl time.Duration, m *metrics.Metrics, log zerolog.Logger) {
	if ttl <= 0 {
		return
	}
	run := func() {
		n, err := purgeTransitions(ctx, store, ttl, time.Now().UTC(), m)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("transition retention purge failed")
			return
		}
		if n > 0 {
			log.Info().Int64("rows", n).Msg("purged old transitions")
		}
	}

	run()
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func purgeTransitions(ctx context.Context, store transitionPurger, ttl time.Duration, now time.Time, m *metrics.Metrics) (int64, error) {
	n, err := store.PurgeTransitions(ctx, now.Add(-ttl))
	if err != nil {
		return 0, err
	}
	m.TransitionsPurged(n)
	return n, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "sigbridged: %v\n", err)
	os.Exit(1)
}
