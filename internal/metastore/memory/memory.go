// Package memory is a process-local metastore. Update applies writes in
// place and records how to revert each one; a failed callback replays
// that log backwards, so it leaves no trace.
package memory

import (
	"fmt"
	"sync"

	"lukechampine.com/uint128"

	"github.com/cbrewster/assetstore/internal/metastore"
)

type storedAsset struct {
	asset   metastore.Asset
	content [][]byte
}

type state struct {
	nextChunk metastore.ID
	nextAsset metastore.ID
	chunks    map[metastore.ID]*metastore.Fragment
	assets    map[metastore.ID]*storedAsset
}

type store struct {
	mu      sync.RWMutex
	current *state
}

var _ metastore.Store = (*store)(nil)

type tx struct {
	state    *state
	writable bool
	undo     []func()
}

var _ metastore.Tx = (*tx)(nil)

// New returns an empty in-memory store.
func New() metastore.Store {
	return &store{
		current: &state{
			nextChunk: uint128.From64(1),
			nextAsset: uint128.From64(1),
			chunks:    map[metastore.ID]*metastore.Fragment{},
			assets:    map[metastore.ID]*storedAsset{},
		},
	}
}

// View implements metastore.Store.
func (s *store) View(fn func(metastore.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{state: s.current})
}

// Update implements metastore.Store.
func (s *store) Update(fn func(metastore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{state: s.current, writable: true}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(t); err != nil {
		return err
	}
	committed = true
	return nil
}

// Close implements metastore.Store.
func (s *store) Close() error {
	return nil
}

// Chunks implements metastore.Tx.
func (t *tx) Chunks() metastore.ChunkBucket {
	return (*chunkBucket)(t)
}

// Assets implements metastore.Tx.
func (t *tx) Assets() metastore.AssetBucket {
	return (*assetBucket)(t)
}

func (t *tx) checkWritable() error {
	if !t.writable {
		return fmt.Errorf("write in read-only transaction")
	}
	return nil
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) allocate(counter *metastore.ID) (metastore.ID, error) {
	id := *counter
	if id.Equals(uint128.Max) {
		return metastore.ID{}, metastore.ErrAllocation
	}
	*counter = id.Add64(1)
	t.undo = append(t.undo, func() { *counter = id })
	return id, nil
}

// restoreChunk returns a function that puts id back to its current state.
func (t *tx) restoreChunk(id metastore.ID) func() {
	prev, ok := t.state.chunks[id]
	return func() {
		if ok {
			t.state.chunks[id] = prev
		} else {
			delete(t.state.chunks, id)
		}
	}
}

func (t *tx) restoreAsset(id metastore.ID) func() {
	prev, ok := t.state.assets[id]
	return func() {
		if ok {
			t.state.assets[id] = prev
		} else {
			delete(t.state.assets, id)
		}
	}
}

type chunkBucket tx

var _ metastore.ChunkBucket = (*chunkBucket)(nil)

// NextID implements metastore.ChunkBucket.
func (b *chunkBucket) NextID() (metastore.ID, error) {
	if err := (*tx)(b).checkWritable(); err != nil {
		return metastore.ID{}, err
	}
	return (*tx)(b).allocate(&b.state.nextChunk)
}

// Get implements metastore.ChunkBucket.
func (b *chunkBucket) Get(id metastore.ID) (*metastore.Fragment, error) {
	fragment, ok := b.state.chunks[id]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	copied := *fragment
	return &copied, nil
}

// Put implements metastore.ChunkBucket.
func (b *chunkBucket) Put(fragment *metastore.Fragment) error {
	if err := (*tx)(b).checkWritable(); err != nil {
		return err
	}
	copied := *fragment
	copied.Content = append([]byte{}, fragment.Content...)
	b.undo = append(b.undo, (*tx)(b).restoreChunk(fragment.ID))
	b.state.chunks[fragment.ID] = &copied
	return nil
}

// Delete implements metastore.ChunkBucket.
func (b *chunkBucket) Delete(id metastore.ID) error {
	if err := (*tx)(b).checkWritable(); err != nil {
		return err
	}
	if _, ok := b.state.chunks[id]; !ok {
		return metastore.ErrNotFound
	}
	b.undo = append(b.undo, (*tx)(b).restoreChunk(id))
	delete(b.state.chunks, id)
	return nil
}

// ForEach implements metastore.ChunkBucket.
func (b *chunkBucket) ForEach(fn func(*metastore.Fragment) error) error {
	for _, fragment := range b.state.chunks {
		copied := *fragment
		copied.Content = nil
		if err := fn(&copied); err != nil {
			return err
		}
	}
	return nil
}

type assetBucket tx

var _ metastore.AssetBucket = (*assetBucket)(nil)

// NextID implements metastore.AssetBucket.
func (b *assetBucket) NextID() (metastore.ID, error) {
	if err := (*tx)(b).checkWritable(); err != nil {
		return metastore.ID{}, err
	}
	return (*tx)(b).allocate(&b.state.nextAsset)
}

// Get implements metastore.AssetBucket.
func (b *assetBucket) Get(id metastore.ID) (*metastore.Asset, error) {
	stored, ok := b.state.assets[id]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	asset := stored.asset
	return &asset, nil
}

// Put implements metastore.AssetBucket.
func (b *assetBucket) Put(asset *metastore.Asset, content [][]byte) error {
	if err := (*tx)(b).checkWritable(); err != nil {
		return err
	}
	if uint32(len(content)) != asset.ChunkCount {
		return fmt.Errorf("asset has %d chunks but chunk count is %d", len(content), asset.ChunkCount)
	}
	if _, ok := b.state.assets[asset.ID]; ok {
		return fmt.Errorf("asset %s already exists", asset.ID)
	}

	chunks := make([][]byte, len(content))
	for index, chunk := range content {
		chunks[index] = append([]byte{}, chunk...)
	}
	b.undo = append(b.undo, (*tx)(b).restoreAsset(asset.ID))
	b.state.assets[asset.ID] = &storedAsset{asset: *asset, content: chunks}
	return nil
}

// Chunk implements metastore.AssetBucket.
func (b *assetBucket) Chunk(id metastore.ID, index uint32) ([]byte, error) {
	stored, ok := b.state.assets[id]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	if index >= uint32(len(stored.content)) {
		return nil, fmt.Errorf("asset chunk %d: %w", index, metastore.ErrNotFound)
	}
	return append([]byte{}, stored.content[index]...), nil
}

// Delete implements metastore.AssetBucket.
func (b *assetBucket) Delete(id metastore.ID) error {
	if err := (*tx)(b).checkWritable(); err != nil {
		return err
	}
	if _, ok := b.state.assets[id]; !ok {
		return metastore.ErrNotFound
	}
	b.undo = append(b.undo, (*tx)(b).restoreAsset(id))
	delete(b.state.assets, id)
	return nil
}

// ForEach implements metastore.AssetBucket.
func (b *assetBucket) ForEach(fn func(*metastore.Asset) error) error {
	for _, stored := range b.state.assets {
		asset := stored.asset
		if err := fn(&asset); err != nil {
			return err
		}
	}
	return nil
}
