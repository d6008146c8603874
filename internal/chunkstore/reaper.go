package chunkstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cbrewster/assetstore/internal/metastore"
)

// Retention is how long an uncommitted fragment is kept.
const Retention = 10 * time.Minute

// Sweep removes every fragment created before now-Retention and
// returns how many were removed.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := now.Add(-Retention)
	var expired []metastore.ID
	err := s.meta.Update(func(tx metastore.Tx) error {
		err := tx.Chunks().ForEach(func(fragment *metastore.Fragment) error {
			if fragment.CreatedAt.Before(cutoff) {
				expired = append(expired, fragment.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan chunks: %w", err)
		}

		for _, id := range expired {
			err := tx.Chunks().Delete(id)
			if err != nil {
				return fmt.Errorf("delete expired chunk %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.Reaped(len(expired))
	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Time("cutoff", cutoff).Msg("expired chunks removed")
	}
	return len(expired), nil
}

// SweepNow runs Sweep against the store's clock.
func (s *Store) SweepNow(ctx context.Context) (int, error) {
	return s.Sweep(ctx, s.now())
}

// RunReaper sweeps every interval until ctx is done. onSweep, if not
// nil, observes the result of each pass.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration, onSweep func(reaped int, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := s.SweepNow(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("sweep expired chunks")
			}
			if onSweep != nil {
				onSweep(reaped, err)
			}
		}
	}
}
