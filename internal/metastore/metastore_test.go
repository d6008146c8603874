package metastore_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shoenig/test/must"
	"lukechampine.com/uint128"

	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/metastore/bolt"
	"github.com/cbrewster/assetstore/internal/metastore/memory"
)

func newBoltStore(t *testing.T) metastore.Store {
	dir, err := os.MkdirTemp("", "metastore-test-*")
	must.NoError(t, err)
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	store, err := bolt.New(filepath.Join(dir, "db.bolt"))
	must.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func newMemoryStore(t *testing.T) metastore.Store {
	return memory.New()
}

var testCases = []struct {
	name  string
	store func(t *testing.T) metastore.Store
}{{
	name:  "bolt",
	store: newBoltStore,
}, {
	name:  "memory",
	store: newMemoryStore,
}}

var errBoom = errors.New("boom")

func TestSequences(t *testing.T) {
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store(t)

			var chunkIDs, assetIDs []metastore.ID
			err := store.Update(func(tx metastore.Tx) error {
				for i := 0; i < 3; i++ {
					id, err := tx.Chunks().NextID()
					if err != nil {
						return err
					}
					chunkIDs = append(chunkIDs, id)
				}
				id, err := tx.Assets().NextID()
				assetIDs = append(assetIDs, id)
				return err
			})
			must.NoError(t, err)
			must.Eq(t, []metastore.ID{uint128.From64(1), uint128.From64(2), uint128.From64(3)}, chunkIDs)
			must.Eq(t, []metastore.ID{uint128.From64(1)}, assetIDs)

			// A failed update must not consume ids.
			err = store.Update(func(tx metastore.Tx) error {
				_, err := tx.Chunks().NextID()
				must.NoError(t, err)
				return errBoom
			})
			must.ErrorIs(t, err, errBoom)

			err = store.Update(func(tx metastore.Tx) error {
				id, err := tx.Chunks().NextID()
				must.Eq(t, uint128.From64(4), id)
				return err
			})
			must.NoError(t, err)
		})
	}
}

func TestFragments(t *testing.T) {
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store(t)

			fragment := &metastore.Fragment{
				ID:        uint128.From64(7),
				Owner:     "alice",
				Order:     3,
				Content:   []byte("hello"),
				Checksum:  42,
				CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			}
			err := store.Update(func(tx metastore.Tx) error {
				return tx.Chunks().Put(fragment)
			})
			must.NoError(t, err)

			err = store.View(func(tx metastore.Tx) error {
				got, err := tx.Chunks().Get(fragment.ID)
				must.NoError(t, err)
				must.Eq(t, fragment, got, must.Cmp(cmpopts.EquateApproxTime(0)))

				var visited []*metastore.Fragment
				err = tx.Chunks().ForEach(func(f *metastore.Fragment) error {
					visited = append(visited, f)
					return nil
				})
				must.NoError(t, err)
				must.SliceLen(t, 1, visited)
				must.SliceEmpty(t, visited[0].Content)
				must.Eq(t, fragment.ID, visited[0].ID)

				_, err = tx.Chunks().Get(uint128.From64(8))
				must.ErrorIs(t, err, metastore.ErrNotFound)
				return nil
			})
			must.NoError(t, err)

			err = store.Update(func(tx metastore.Tx) error {
				must.NoError(t, tx.Chunks().Delete(fragment.ID))
				return errBoom
			})
			must.ErrorIs(t, err, errBoom)

			err = store.View(func(tx metastore.Tx) error {
				_, err := tx.Chunks().Get(fragment.ID)
				return err
			})
			must.NoError(t, err)

			err = store.Update(func(tx metastore.Tx) error {
				must.NoError(t, tx.Chunks().Delete(fragment.ID))
				return tx.Chunks().Delete(fragment.ID)
			})
			must.ErrorIs(t, err, metastore.ErrNotFound)
		})
	}
}

func TestAssets(t *testing.T) {
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store(t)

			asset := &metastore.Asset{
				ID:              uint128.From64(1),
				Owner:           "alice",
				ChunkCount:      2,
				ContentType:     "text/plain",
				FileName:        "greeting.txt",
				ContentEncoding: metastore.GZIP,
				URL:             "http://localhost/asset/1",
				Size:            4,
				Digest:          "abc",
				CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			}

			err := store.Update(func(tx metastore.Tx) error {
				return tx.Assets().Put(asset, [][]byte{[]byte("AB")})
			})
			must.Error(t, err)

			err = store.Update(func(tx metastore.Tx) error {
				return tx.Assets().Put(asset, [][]byte{[]byte("AB"), []byte("CD")})
			})
			must.NoError(t, err)

			err = store.View(func(tx metastore.Tx) error {
				got, err := tx.Assets().Get(asset.ID)
				must.NoError(t, err)
				must.Eq(t, asset, got, must.Cmp(cmpopts.EquateApproxTime(0)))

				chunk, err := tx.Assets().Chunk(asset.ID, 1)
				must.NoError(t, err)
				must.Eq(t, []byte("CD"), chunk)

				_, err = tx.Assets().Chunk(asset.ID, 2)
				must.ErrorIs(t, err, metastore.ErrNotFound)

				count := 0
				err = tx.Assets().ForEach(func(a *metastore.Asset) error {
					count++
					must.Eq(t, "greeting.txt", a.FileName)
					return nil
				})
				must.NoError(t, err)
				must.Eq(t, 1, count)
				return nil
			})
			must.NoError(t, err)

			err = store.Update(func(tx metastore.Tx) error {
				return tx.Assets().Delete(asset.ID)
			})
			must.NoError(t, err)

			err = store.View(func(tx metastore.Tx) error {
				_, err := tx.Assets().Get(asset.ID)
				return err
			})
			must.ErrorIs(t, err, metastore.ErrNotFound)
		})
	}
}

func TestParseID(t *testing.T) {
	id, err := metastore.ParseID(" 340282366920938463463374607431768211455 ")
	must.NoError(t, err)
	must.Eq(t, uint128.Max, id)

	for _, bad := range []string{"", "-1", "+1", "abc", "340282366920938463463374607431768211456"} {
		_, err := metastore.ParseID(bad)
		must.Error(t, err, must.Sprintf("input %q", bad))
	}
}

func TestContentEncoding(t *testing.T) {
	encoding, err := metastore.ParseContentEncoding("GZIP")
	must.NoError(t, err)
	must.Eq(t, metastore.GZIP, encoding)

	text, err := metastore.Identity.MarshalText()
	must.NoError(t, err)
	must.Eq(t, "identity", string(text))

	var decoded metastore.ContentEncoding
	must.Error(t, decoded.UnmarshalText([]byte("br")))
}

func TestUpdateRollback(t *testing.T) {
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store(t)

			original := &metastore.Fragment{ID: uint128.From64(1), Owner: "alice", Content: []byte("old")}
			kept := &metastore.Asset{ID: uint128.From64(1), Owner: "alice", ChunkCount: 1}
			err := store.Update(func(tx metastore.Tx) error {
				if err := tx.Chunks().Put(original); err != nil {
					return err
				}
				return tx.Assets().Put(kept, [][]byte{[]byte("kept")})
			})
			must.NoError(t, err)

			writeAll := func(tx metastore.Tx) {
				_, err := tx.Chunks().NextID()
				must.NoError(t, err)
				_, err = tx.Assets().NextID()
				must.NoError(t, err)

				replaced := *original
				replaced.Content = []byte("new")
				must.NoError(t, tx.Chunks().Put(&replaced))
				must.NoError(t, tx.Chunks().Put(&metastore.Fragment{ID: uint128.From64(2), Owner: "bob"}))
				must.NoError(t, tx.Chunks().Delete(original.ID))

				must.NoError(t, tx.Assets().Delete(kept.ID))
				added := &metastore.Asset{ID: uint128.From64(2), Owner: "bob", ChunkCount: 1}
				must.NoError(t, tx.Assets().Put(added, [][]byte{[]byte("added")}))
			}

			err = store.Update(func(tx metastore.Tx) error {
				writeAll(tx)
				return errBoom
			})
			must.ErrorIs(t, err, errBoom)

			func() {
				defer func() {
					must.NotNil(t, recover())
				}()
				store.Update(func(tx metastore.Tx) error {
					writeAll(tx)
					panic(errBoom)
				})
			}()

			err = store.View(func(tx metastore.Tx) error {
				got, err := tx.Chunks().Get(original.ID)
				must.NoError(t, err)
				must.Eq(t, []byte("old"), got.Content)
				_, err = tx.Chunks().Get(uint128.From64(2))
				must.ErrorIs(t, err, metastore.ErrNotFound)

				chunk, err := tx.Assets().Chunk(kept.ID, 0)
				must.NoError(t, err)
				must.Eq(t, []byte("kept"), chunk)
				_, err = tx.Assets().Get(uint128.From64(2))
				must.ErrorIs(t, err, metastore.ErrNotFound)
				return nil
			})
			must.NoError(t, err)

			err = store.Update(func(tx metastore.Tx) error {
				chunkID, err := tx.Chunks().NextID()
				must.NoError(t, err)
				must.Eq(t, uint128.From64(1), chunkID)
				assetID, err := tx.Assets().NextID()
				must.NoError(t, err)
				must.Eq(t, uint128.From64(1), assetID)
				return nil
			})
			must.NoError(t, err)
		})
	}
}
