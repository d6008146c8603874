package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cbrewster/assetstore/internal/checksum"
	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/metrics"
)

// Store holds fragments that have been uploaded but not yet committed.
type Store struct {
	meta    metastore.Store
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Store)

// WithClock overrides the time source used to stamp uploads.
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

func New(meta metastore.Store, options ...Option) *Store {
	s := &Store{
		meta:   meta,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Upload stores content as a new fragment owned by owner and returns
// its id.
func (s *Store) Upload(ctx context.Context, owner metastore.Principal, order uint32, content []byte) (metastore.ID, error) {
	if err := ctx.Err(); err != nil {
		return metastore.ID{}, err
	}

	fragment := &metastore.Fragment{
		Owner:     owner,
		Order:     order,
		Content:   content,
		Checksum:  checksum.ContentHash(content),
		CreatedAt: s.now(),
	}
	err := s.meta.Update(func(tx metastore.Tx) error {
		id, err := tx.Chunks().NextID()
		if err != nil {
			return fmt.Errorf("allocate chunk id: %w", err)
		}
		fragment.ID = id
		return tx.Chunks().Put(fragment)
	})
	if err != nil {
		return metastore.ID{}, err
	}

	s.metrics.ChunkUploaded(len(content))
	s.logger.Debug().
		Str("chunk_id", fragment.ID.String()).
		Str("owner", string(owner)).
		Uint32("order", order).
		Int("size", len(content)).
		Msg("chunk uploaded")
	return fragment.ID, nil
}

// Available reports whether every id refers to a stored fragment.
func (s *Store) Available(ctx context.Context, ids []metastore.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	available := true
	err := s.meta.View(func(tx metastore.Tx) error {
		for _, id := range ids {
			_, err := tx.Chunks().Get(id)
			if errors.Is(err, metastore.ErrNotFound) {
				available = false
				return nil
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return available, nil
}

// Peek returns a fragment without removing it.
func (s *Store) Peek(ctx context.Context, id metastore.ID) (*metastore.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fragment *metastore.Fragment
	err := s.meta.View(func(tx metastore.Tx) error {
		var err error
		fragment, err = tx.Chunks().Get(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", id, err)
	}
	return fragment, nil
}

// Take removes a fragment inside tx and returns it, so that a fragment
// can be consumed exactly once.
func Take(tx metastore.Tx, id metastore.ID) (*metastore.Fragment, error) {
	fragment, err := tx.Chunks().Get(id)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", id, err)
	}
	err = tx.Chunks().Delete(id)
	if err != nil {
		return nil, fmt.Errorf("take chunk %s: %w", id, err)
	}
	return fragment, nil
}
