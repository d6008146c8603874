package assetstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/metrics"
	"github.com/cbrewster/assetstore/internal/urlgen"
)

// Store holds committed assets and assembles new ones from uploaded
// chunks.
type Store struct {
	meta    metastore.Store
	urls    urlgen.Generator
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func New(meta metastore.Store, urls urlgen.Generator, options ...Option) *Store {
	s := &Store{
		meta:   meta,
		urls:   urls,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Get returns the metadata of an asset.
func (s *Store) Get(ctx context.Context, id metastore.ID) (*metastore.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var asset *metastore.Asset
	err := s.meta.View(func(tx metastore.Tx) error {
		var err error
		asset, err = tx.Assets().Get(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", id, err)
	}
	return asset, nil
}

// Chunk returns one chunk of an asset's content.
func (s *Store) Chunk(ctx context.Context, id metastore.ID, index uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var chunk []byte
	err := s.meta.View(func(tx metastore.Tx) error {
		var err error
		chunk, err = tx.Assets().Chunk(id, index)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", id, err)
	}
	return chunk, nil
}

// First returns the metadata of an asset together with its first chunk.
// Both are read in one transaction, so a concurrent delete is seen
// either before or after the whole read.
func (s *Store) First(ctx context.Context, id metastore.ID) (*metastore.Asset, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		asset *metastore.Asset
		chunk []byte
	)
	err := s.meta.View(func(tx metastore.Tx) error {
		var err error
		asset, err = tx.Assets().Get(id)
		if err != nil {
			return err
		}
		chunk, err = tx.Assets().Chunk(id, 0)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("asset %s: %w", id, err)
	}
	return asset, chunk, nil
}

// Delete removes an asset. Only its owner may delete it.
func (s *Store) Delete(ctx context.Context, caller metastore.Principal, id metastore.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.meta.Update(func(tx metastore.Tx) error {
		asset, err := tx.Assets().Get(id)
		if err != nil {
			return err
		}
		if asset.Owner != caller {
			return metastore.ErrNotOwned
		}
		return tx.Assets().Delete(id)
	})
	if err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}

	s.metrics.Deleted()
	s.logger.Info().Str("asset_id", id.String()).Str("owner", string(caller)).Msg("asset deleted")
	return nil
}

// List returns the summary of every asset keyed by id.
func (s *Store) List(ctx context.Context) (map[metastore.ID]metastore.AssetSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summaries := map[metastore.ID]metastore.AssetSummary{}
	err := s.meta.View(func(tx metastore.Tx) error {
		return tx.Assets().ForEach(func(asset *metastore.Asset) error {
			summaries[asset.ID] = asset.Summary()
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return summaries, nil
}
