package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cbrewster/assetstore/internal/assetstore"
	"github.com/cbrewster/assetstore/internal/chunkstore"
	"github.com/cbrewster/assetstore/internal/config"
	"github.com/cbrewster/assetstore/internal/delivery"
	"github.com/cbrewster/assetstore/internal/httpapi"
	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/metastore/bolt"
	"github.com/cbrewster/assetstore/internal/metastore/memory"
	"github.com/cbrewster/assetstore/internal/metrics"
	"github.com/cbrewster/assetstore/internal/urlgen"
)

const dbFileName = "assets.db"

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the asset server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "listen address")
	flags.String("backend", "", "metadata backend (bolt or memory)")
	flags.String("data-dir", "", "directory of the bolt database")
	flags.Duration("sweep-interval", 0, "how often expired chunks are removed (0 disables)")
	a.v.BindPFlag("listen", flags.Lookup("listen"))
	a.v.BindPFlag("backend", flags.Lookup("backend"))
	a.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	a.v.BindPFlag("sweep_interval", flags.Lookup("sweep-interval"))
	return cmd
}

func openStore(cfg *config.Config) (metastore.Store, error) {
	if cfg.Backend == config.BackendMemory {
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return bolt.New(filepath.Join(cfg.DataDir, dbFileName))
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Logger(nil)

	meta, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer meta.Close()

	codec, err := cfg.TokenCodec()
	if err != nil {
		return err
	}
	if cfg.TokenKey == "" {
		logger.Warn().Msg("no token_key configured; continuation tokens will not survive a restart")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	chunks := chunkstore.New(meta,
		chunkstore.WithLogger(logger.With().Str("component", "chunkstore").Logger()),
		chunkstore.WithMetrics(m),
	)
	assets := assetstore.New(meta, urlgen.New(cfg.PublicScheme, cfg.PublicHost),
		assetstore.WithLogger(logger.With().Str("component", "assetstore").Logger()),
		assetstore.WithMetrics(m),
	)
	engine := delivery.New(assets, codec,
		delivery.WithLogger(logger.With().Str("component", "delivery").Logger()),
		delivery.WithMetrics(m),
	)
	api := httpapi.New(chunks, assets, engine,
		httpapi.WithLogger(logger.With().Str("component", "http").Logger()),
		httpapi.WithGatherer(registry),
		httpapi.WithMaxChunkSize(cfg.MaxChunkSize),
	)

	if cfg.SweepInterval > 0 {
		go chunks.RunReaper(ctx, cfg.SweepInterval, nil)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Listen).
			Str("backend", cfg.Backend).
			Dur("sweep_interval", cfg.SweepInterval).
			Msg("assetd listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// componentLogger is used by subcommands that run a component outside
// the server.
func componentLogger(cfg *config.Config, name string) zerolog.Logger {
	return cfg.Logger(nil).With().Str("component", name).Logger()
}
