package assetstore

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/cbrewster/assetstore/internal/metastore"
)

// NewReader returns a reader over an asset's full content. Chunks are
// loaded one at a time as the reader reaches them.
func (s *Store) NewReader(ctx context.Context, id metastore.ID) (*Reader, error) {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Reader{
		ctx:   ctx,
		store: s,
		asset: asset,
	}, nil
}

type Reader struct {
	ctx     context.Context
	store   *Store
	asset   *metastore.Asset
	next    uint32
	current []byte
	closed  atomic.Bool
}

var _ io.ReadCloser = (*Reader)(nil)

func (r *Reader) Asset() *metastore.Asset {
	return r.asset
}

func (r *Reader) advance() error {
	if r.next >= r.asset.ChunkCount {
		return io.EOF
	}

	chunk, err := r.store.Chunk(r.ctx, r.asset.ID, r.next)
	if err != nil {
		return err
	}
	r.next++
	r.current = chunk
	return nil
}

// Read implements io.ReadCloser.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, os.ErrClosed
	}

	for len(r.current) == 0 {
		err := r.advance()
		if err != nil {
			return 0, err
		}
	}

	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}

// Close implements io.ReadCloser.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return os.ErrClosed
	}
	r.current = nil
	return nil
}
