package assetstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cbrewster/assetstore/internal/checksum"
	"github.com/cbrewster/assetstore/internal/chunkstore"
	"github.com/cbrewster/assetstore/internal/metastore"
)

// CommitRequest names the chunks that make up a new asset and the
// aggregate checksum the caller computed over them.
type CommitRequest struct {
	Checksum        uint32
	ChunkIDs        []metastore.ID
	ContentType     string
	FileName        string
	ContentEncoding metastore.ContentEncoding
}

// RejectedError lists every claimed chunk that is absent or belongs to
// someone else.
type RejectedError struct {
	Missing []metastore.ID
	Foreign []metastore.ID
}

func (e *RejectedError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "chunks not found: "+joinIDs(e.Missing))
	}
	if len(e.Foreign) > 0 {
		parts = append(parts, "chunks not owned: "+joinIDs(e.Foreign))
	}
	return strings.Join(parts, "; ")
}

// Is matches metastore.ErrNotFound when chunks are missing and
// metastore.ErrNotOwned when chunks are foreign.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case metastore.ErrNotFound:
		return len(e.Missing) > 0
	case metastore.ErrNotOwned:
		return len(e.Foreign) > 0
	}
	return false
}

// IDs returns the missing ids followed by the foreign ones.
func (e *RejectedError) IDs() []metastore.ID {
	return append(append([]metastore.ID{}, e.Missing...), e.Foreign...)
}

func joinIDs(ids []metastore.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type ChecksumError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: %d != %d", e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return metastore.ErrChecksumMismatch
}

// Commit assembles the caller's chunks into a new asset. The whole
// operation is one transaction: on any error no chunk is consumed and no
// asset is created.
//
// Chunks are assembled in ascending Order and renumbered 0..n-1. Chunks
// sharing an Order value are assembled in unspecified relative order.
func (s *Store) Commit(ctx context.Context, caller metastore.Principal, req CommitRequest) (*metastore.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var asset *metastore.Asset
	err := s.meta.Update(func(tx metastore.Tx) error {
		owned, err := claim(tx, caller, req.ChunkIDs)
		if err != nil {
			return err
		}

		sort.Slice(owned, func(i, j int) bool {
			return owned[i].Order < owned[j].Order
		})

		// Verify before consuming anything.
		var acc checksum.Accumulator
		for _, fragment := range owned {
			acc.Add(fragment.Checksum)
		}
		if acc.Sum() != req.Checksum {
			return &ChecksumError{Expected: req.Checksum, Actual: acc.Sum()}
		}

		content := make([][]byte, 0, len(owned))
		digest := checksum.NewDigest()
		var size int64
		for _, fragment := range owned {
			taken, err := chunkstore.Take(tx, fragment.ID)
			if err != nil {
				return err
			}
			content = append(content, taken.Content)
			_, _ = digest.Write(taken.Content)
			size += int64(len(taken.Content))
		}

		id, err := tx.Assets().NextID()
		if err != nil {
			return fmt.Errorf("allocate asset id: %w", err)
		}

		asset = &metastore.Asset{
			ID:              id,
			Owner:           caller,
			ChunkCount:      uint32(len(content)),
			ContentType:     req.ContentType,
			FileName:        req.FileName,
			ContentEncoding: req.ContentEncoding,
			URL:             s.urls.URL(id),
			Size:            size,
			Digest:          digest.Hex(),
			CreatedAt:       s.now(),
		}
		return tx.Assets().Put(asset, content)
	})
	if err != nil {
		s.metrics.CommitFailed(failureReason(err))
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.metrics.Committed()
	s.logger.Info().
		Str("asset_id", asset.ID.String()).
		Str("owner", string(caller)).
		Uint32("chunks", asset.ChunkCount).
		Int64("size", asset.Size).
		Str("digest", asset.Digest).
		Msg("asset committed")
	return asset, nil
}

// claim partitions ids into fragments owned by caller, missing ids and
// foreign ids. Duplicate ids are claimed once.
func claim(tx metastore.Tx, caller metastore.Principal, ids []metastore.ID) ([]*metastore.Fragment, error) {
	var (
		owned    []*metastore.Fragment
		rejected RejectedError
		seen     = make(map[metastore.ID]struct{}, len(ids))
	)
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		fragment, err := tx.Chunks().Get(id)
		switch {
		case errors.Is(err, metastore.ErrNotFound):
			rejected.Missing = append(rejected.Missing, id)
		case err != nil:
			return nil, fmt.Errorf("chunk %s: %w", id, err)
		case fragment.Owner != caller:
			rejected.Foreign = append(rejected.Foreign, id)
		default:
			owned = append(owned, fragment)
		}
	}

	if len(rejected.Missing) > 0 || len(rejected.Foreign) > 0 {
		return nil, &rejected
	}
	if len(owned) == 0 {
		return nil, metastore.ErrEmptyCommit
	}
	return owned, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, metastore.ErrEmptyCommit):
		return "empty"
	case errors.Is(err, metastore.ErrNotOwned):
		return "not_owned"
	case errors.Is(err, metastore.ErrNotFound):
		return "not_found"
	case errors.Is(err, metastore.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, metastore.ErrAllocation):
		return "allocation"
	default:
		return "internal"
	}
}
