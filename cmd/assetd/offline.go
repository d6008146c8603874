package main

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/cbrewster/assetstore/internal/assetstore"
	"github.com/cbrewster/assetstore/internal/chunkstore"
	"github.com/cbrewster/assetstore/internal/config"
	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/urlgen"
)

// openOffline opens the bolt database in data_dir for commands that
// bypass the server. bbolt holds a file lock, so the server must be
// stopped.
func openOffline(cfg *config.Config, command string) (metastore.Store, error) {
	if cfg.Backend != config.BackendBolt {
		return nil, fmt.Errorf("offline %s needs the bolt backend, got %q", command, cfg.Backend)
	}
	return openStore(cfg)
}

func sweepOffline(ctx context.Context, cfg *config.Config) (int, error) {
	meta, err := openOffline(cfg, "sweep")
	if err != nil {
		return 0, err
	}
	defer meta.Close()

	chunks := chunkstore.New(meta, chunkstore.WithLogger(componentLogger(cfg, "chunkstore")))
	return chunks.SweepNow(ctx)
}

// fetchOffline copies the asset named by locator straight from the
// database to w.
func fetchOffline(ctx context.Context, cfg *config.Config, locator string, w io.Writer, decode bool) error {
	id, err := urlgen.ParseLocator(locator)
	if err != nil {
		return err
	}

	meta, err := openOffline(cfg, "fetch")
	if err != nil {
		return err
	}
	defer meta.Close()

	assets := assetstore.New(meta, urlgen.New(cfg.PublicScheme, cfg.PublicHost),
		assetstore.WithLogger(componentLogger(cfg, "assetstore")),
	)
	r, err := assets.NewReader(ctx, id)
	if err != nil {
		return err
	}
	defer r.Close()

	var src io.Reader = r
	if decode && r.Asset().ContentEncoding == metastore.GZIP {
		gr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("decode asset %s: %w", id, err)
		}
		defer gr.Close()
		src = gr
	}

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("fetch asset %s: %w", id, err)
	}
	return nil
}
