package bolt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"lukechampine.com/uint128"

	"github.com/cbrewster/assetstore/internal/metastore"
)

var (
	// chunksBucketName holds fragment metadata keyed by fragment id.
	chunksBucketName = []byte("chunks")
	// chunkContentBucketName holds raw fragment bytes keyed by fragment id.
	chunkContentBucketName = []byte("chunk_content")
	// assetsBucketName holds one nested bucket per asset.
	assetsBucketName = []byte("assets")
	// sequencesBucketName holds the next unallocated id of each counter.
	sequencesBucketName = []byte("sequences")

	assetMetaKey          = []byte("metadata")
	assetContentBucketKey = []byte("content")

	chunkSequenceKey = []byte("chunk")
	assetSequenceKey = []byte("asset")
)

type fragmentRecord struct {
	Owner     metastore.Principal `json:"owner"`
	Order     uint32              `json:"order"`
	Checksum  uint32              `json:"checksum"`
	CreatedAt time.Time           `json:"created_at"`
}

type assetRecord struct {
	Owner           metastore.Principal       `json:"owner"`
	ChunkCount      uint32                    `json:"chunk_size"`
	ContentType     string                    `json:"content_type"`
	FileName        string                    `json:"file_name"`
	ContentEncoding metastore.ContentEncoding `json:"content_encoding"`
	URL             string                    `json:"url"`
	Size            int64                     `json:"size"`
	Digest          string                    `json:"digest"`
	CreatedAt       time.Time                 `json:"created_at"`
}

type store struct {
	db *bbolt.DB
}

var _ metastore.Store = (*store)(nil)

type tx struct {
	tx *bbolt.Tx
}

var _ metastore.Tx = (*tx)(nil)

type chunkBucket struct {
	tx *bbolt.Tx
}

var _ metastore.ChunkBucket = (*chunkBucket)(nil)

type assetBucket struct {
	tx *bbolt.Tx
}

var _ metastore.AssetBucket = (*assetBucket)(nil)

func idKey(id metastore.ID) []byte {
	key := make([]byte, 16)
	id.PutBytesBE(key)
	return key
}

func indexKey(index uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, index)
	return key
}

// New opens (creating if needed) the bolt database at path.
func New(path string) (metastore.Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{chunksBucketName, chunkContentBucketName, assetsBucketName, sequencesBucketName} {
			_, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &store{db: db}, nil
}

// View implements metastore.Store.
func (s *store) View(fn func(metastore.Tx) error) error {
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&tx{tx: btx})
	})
}

// Update implements metastore.Store.
func (s *store) Update(fn func(metastore.Tx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{tx: btx})
	})
}

// Close implements metastore.Store.
func (s *store) Close() error {
	return s.db.Close()
}

// Chunks implements metastore.Tx.
func (t *tx) Chunks() metastore.ChunkBucket {
	return &chunkBucket{tx: t.tx}
}

// Assets implements metastore.Tx.
func (t *tx) Assets() metastore.AssetBucket {
	return &assetBucket{tx: t.tx}
}

// nextID returns the current value of a sequence and advances it. A
// missing sequence starts at 1.
func nextID(btx *bbolt.Tx, key []byte) (metastore.ID, error) {
	sequences := btx.Bucket(sequencesBucketName)
	next := uint128.From64(1)
	if raw := sequences.Get(key); raw != nil {
		if len(raw) != 16 {
			return metastore.ID{}, fmt.Errorf("corrupt %s sequence", key)
		}
		next = uint128.FromBytesBE(raw)
	}
	if next.Equals(uint128.Max) {
		return metastore.ID{}, metastore.ErrAllocation
	}

	err := sequences.Put(key, idKey(next.Add64(1)))
	if err != nil {
		return metastore.ID{}, fmt.Errorf("advance %s sequence: %w", key, err)
	}
	return next, nil
}

// NextID implements metastore.ChunkBucket.
func (b *chunkBucket) NextID() (metastore.ID, error) {
	return nextID(b.tx, chunkSequenceKey)
}

func (b *chunkBucket) record(key []byte) (*fragmentRecord, error) {
	raw := b.tx.Bucket(chunksBucketName).Get(key)
	if raw == nil {
		return nil, metastore.ErrNotFound
	}

	var record fragmentRecord
	err := json.Unmarshal(raw, &record)
	if err != nil {
		return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
	}
	return &record, nil
}

// Get implements metastore.ChunkBucket.
func (b *chunkBucket) Get(id metastore.ID) (*metastore.Fragment, error) {
	key := idKey(id)
	record, err := b.record(key)
	if err != nil {
		return nil, err
	}

	raw, ok := lookup(b.tx.Bucket(chunkContentBucketName), key)
	if !ok {
		return nil, errors.New("chunk missing content")
	}
	// Bolt memory is only valid for the life of the transaction.
	content := make([]byte, len(raw))
	copy(content, raw)

	return &metastore.Fragment{
		ID:        id,
		Owner:     record.Owner,
		Order:     record.Order,
		Content:   content,
		Checksum:  record.Checksum,
		CreatedAt: record.CreatedAt,
	}, nil
}

// Put implements metastore.ChunkBucket.
func (b *chunkBucket) Put(fragment *metastore.Fragment) error {
	key := idKey(fragment.ID)
	metaBytes, err := json.Marshal(fragmentRecord{
		Owner:     fragment.Owner,
		Order:     fragment.Order,
		Checksum:  fragment.Checksum,
		CreatedAt: fragment.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal chunk metadata: %w", err)
	}

	err = b.tx.Bucket(chunksBucketName).Put(key, metaBytes)
	if err != nil {
		return fmt.Errorf("put chunk metadata: %w", err)
	}

	content := fragment.Content
	if content == nil {
		content = []byte{}
	}
	err = b.tx.Bucket(chunkContentBucketName).Put(key, content)
	if err != nil {
		return fmt.Errorf("put chunk content: %w", err)
	}

	return nil
}

// Delete implements metastore.ChunkBucket.
func (b *chunkBucket) Delete(id metastore.ID) error {
	key := idKey(id)
	if b.tx.Bucket(chunksBucketName).Get(key) == nil {
		return metastore.ErrNotFound
	}

	err := b.tx.Bucket(chunksBucketName).Delete(key)
	if err != nil {
		return fmt.Errorf("delete chunk metadata: %w", err)
	}
	err = b.tx.Bucket(chunkContentBucketName).Delete(key)
	if err != nil {
		return fmt.Errorf("delete chunk content: %w", err)
	}
	return nil
}

// ForEach implements metastore.ChunkBucket.
func (b *chunkBucket) ForEach(fn func(*metastore.Fragment) error) error {
	return b.tx.Bucket(chunksBucketName).ForEach(func(key, raw []byte) error {
		var record fragmentRecord
		err := json.Unmarshal(raw, &record)
		if err != nil {
			return fmt.Errorf("unmarshal chunk metadata: %w", err)
		}

		return fn(&metastore.Fragment{
			ID:        uint128.FromBytesBE(key),
			Owner:     record.Owner,
			Order:     record.Order,
			Checksum:  record.Checksum,
			CreatedAt: record.CreatedAt,
		})
	})
}

// NextID implements metastore.AssetBucket.
func (b *assetBucket) NextID() (metastore.ID, error) {
	return nextID(b.tx, assetSequenceKey)
}

func (b *assetBucket) assetBucket(id metastore.ID) *bbolt.Bucket {
	return b.tx.Bucket(assetsBucketName).Bucket(idKey(id))
}

func decodeAsset(id metastore.ID, bucket *bbolt.Bucket) (*metastore.Asset, error) {
	metaBytes := bucket.Get(assetMetaKey)
	if metaBytes == nil {
		return nil, errors.New("asset missing metadata")
	}

	var record assetRecord
	err := json.Unmarshal(metaBytes, &record)
	if err != nil {
		return nil, fmt.Errorf("unmarshal asset metadata: %w", err)
	}

	return &metastore.Asset{
		ID:              id,
		Owner:           record.Owner,
		ChunkCount:      record.ChunkCount,
		ContentType:     record.ContentType,
		FileName:        record.FileName,
		ContentEncoding: record.ContentEncoding,
		URL:             record.URL,
		Size:            record.Size,
		Digest:          record.Digest,
		CreatedAt:       record.CreatedAt,
	}, nil
}

// Get implements metastore.AssetBucket.
func (b *assetBucket) Get(id metastore.ID) (*metastore.Asset, error) {
	bucket := b.assetBucket(id)
	if bucket == nil {
		return nil, metastore.ErrNotFound
	}
	return decodeAsset(id, bucket)
}

// Put implements metastore.AssetBucket.
func (b *assetBucket) Put(asset *metastore.Asset, content [][]byte) error {
	if uint32(len(content)) != asset.ChunkCount {
		return fmt.Errorf("asset has %d chunks but chunk count is %d", len(content), asset.ChunkCount)
	}

	bucket, err := b.tx.Bucket(assetsBucketName).CreateBucket(idKey(asset.ID))
	if err != nil {
		return fmt.Errorf("create asset bucket: %w", err)
	}

	metaBytes, err := json.Marshal(assetRecord{
		Owner:           asset.Owner,
		ChunkCount:      asset.ChunkCount,
		ContentType:     asset.ContentType,
		FileName:        asset.FileName,
		ContentEncoding: asset.ContentEncoding,
		URL:             asset.URL,
		Size:            asset.Size,
		Digest:          asset.Digest,
		CreatedAt:       asset.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal asset metadata: %w", err)
	}

	err = bucket.Put(assetMetaKey, metaBytes)
	if err != nil {
		return fmt.Errorf("put asset metadata: %w", err)
	}

	contentBucket, err := bucket.CreateBucket(assetContentBucketKey)
	if err != nil {
		return fmt.Errorf("create asset content bucket: %w", err)
	}
	for index, chunk := range content {
		if chunk == nil {
			chunk = []byte{}
		}
		err = contentBucket.Put(indexKey(uint32(index)), chunk)
		if err != nil {
			return fmt.Errorf("put asset chunk %d: %w", index, err)
		}
	}

	return nil
}

// Chunk implements metastore.AssetBucket.
func (b *assetBucket) Chunk(id metastore.ID, index uint32) ([]byte, error) {
	bucket := b.assetBucket(id)
	if bucket == nil {
		return nil, metastore.ErrNotFound
	}
	contentBucket := bucket.Bucket(assetContentBucketKey)
	if contentBucket == nil {
		return nil, errors.New("asset missing content")
	}

	raw, ok := lookup(contentBucket, indexKey(index))
	if !ok {
		return nil, fmt.Errorf("asset chunk %d: %w", index, metastore.ErrNotFound)
	}
	chunk := make([]byte, len(raw))
	copy(chunk, raw)
	return chunk, nil
}

// Delete implements metastore.AssetBucket.
func (b *assetBucket) Delete(id metastore.ID) error {
	err := b.tx.Bucket(assetsBucketName).DeleteBucket(idKey(id))
	if errors.Is(err, bbolt.ErrBucketNotFound) {
		return metastore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// ForEach implements metastore.AssetBucket.
func (b *assetBucket) ForEach(fn func(*metastore.Asset) error) error {
	root := b.tx.Bucket(assetsBucketName)
	return root.ForEach(func(key, value []byte) error {
		// Every entry is a nested bucket; plain values are skipped.
		if value != nil {
			return nil
		}
		id := uint128.FromBytesBE(key)
		asset, err := decodeAsset(id, root.Bucket(key))
		if err != nil {
			return err
		}
		return fn(asset)
	})
}

// lookup reports whether key holds a value. Unlike Get it distinguishes
// an empty value from a missing key.
func lookup(bucket *bbolt.Bucket, key []byte) ([]byte, bool) {
	k, v := bucket.Cursor().Seek(key)
	if !bytes.Equal(k, key) {
		return nil, false
	}
	if v == nil {
		v = []byte{}
	}
	return v, true
}
