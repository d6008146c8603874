package metastore

import (
	"fmt"
	"strings"
	"time"

	"lukechampine.com/uint128"
)

// ID identifies a fragment or an asset. Fragment and asset ids are
// allocated from separate counters that both start at 1.
type ID = uint128.Uint128

// Principal is an opaque, already-authenticated caller identity.
type Principal string

// ParseID parses the decimal form of an ID.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return ID{}, fmt.Errorf("parse id %q: not an unsigned integer", s)
	}
	id, err := uint128.FromString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", s, err)
	}
	return id, nil
}

// Store is the persistence substrate. Every mutating operation runs in
// exactly one Update call; Update calls are serialized against the whole
// state and either apply completely or not at all.
type Store interface {
	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
	Close() error
}

// Tx is a view of both collections inside one transaction. It must not
// be retained after the callback returns.
type Tx interface {
	Chunks() ChunkBucket
	Assets() AssetBucket
}

type ChunkBucket interface {
	// NextID allocates the next fragment id.
	NextID() (ID, error)
	Get(id ID) (*Fragment, error)
	Put(fragment *Fragment) error
	Delete(id ID) error
	// ForEach visits every fragment without loading its content.
	ForEach(fn func(*Fragment) error) error
}

type AssetBucket interface {
	// NextID allocates the next asset id.
	NextID() (ID, error)
	Get(id ID) (*Asset, error)
	// Put stores asset metadata together with its content, keyed by
	// position. len(content) must equal asset.ChunkCount.
	Put(asset *Asset, content [][]byte) error
	Chunk(id ID, index uint32) ([]byte, error)
	Delete(id ID) error
	ForEach(fn func(*Asset) error) error
}

// Fragment is a pending, uploaded piece of an asset in progress.
type Fragment struct {
	ID        ID
	Owner     Principal
	Order     uint32
	Content   []byte
	Checksum  uint32
	CreatedAt time.Time
}

// Asset is a committed, immutable object. Its content lives next to it
// in the store and is read one chunk at a time.
type Asset struct {
	ID              ID
	Owner           Principal
	ChunkCount      uint32
	ContentType     string
	FileName        string
	ContentEncoding ContentEncoding
	URL             string
	Size            int64
	// Digest is the hex BLAKE3-256 of the assembled content.
	Digest    string
	CreatedAt time.Time
}

// Summary returns the redacted view of the asset served by listings.
func (a *Asset) Summary() AssetSummary {
	return AssetSummary{
		ID:              a.ID.String(),
		Owner:           a.Owner,
		FileName:        a.FileName,
		ContentType:     a.ContentType,
		ContentEncoding: a.ContentEncoding,
		URL:             a.URL,
		Size:            a.Size,
		ChunkCount:      a.ChunkCount,
		Digest:          a.Digest,
	}
}

type AssetSummary struct {
	ID              string          `json:"id"`
	Owner           Principal       `json:"owner"`
	FileName        string          `json:"file_name"`
	ContentType     string          `json:"content_type"`
	ContentEncoding ContentEncoding `json:"content_encoding"`
	URL             string          `json:"url"`
	Size            int64           `json:"size"`
	ChunkCount      uint32          `json:"chunk_size"`
	Digest          string          `json:"digest"`
}
