package delivery_test

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shoenig/test/must"
	"lukechampine.com/uint128"

	"github.com/cbrewster/assetstore/internal/assetstore"
	"github.com/cbrewster/assetstore/internal/checksum"
	"github.com/cbrewster/assetstore/internal/chunkstore"
	"github.com/cbrewster/assetstore/internal/delivery"
	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/metastore/bolt"
	"github.com/cbrewster/assetstore/internal/metastore/memory"
	"github.com/cbrewster/assetstore/internal/token"
	"github.com/cbrewster/assetstore/internal/urlgen"
)

func newBoltStore(t *testing.T) metastore.Store {
	dir, err := os.MkdirTemp("", "delivery-test-*")
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

type fixture struct {
	chunks *chunkstore.Store
	assets *assetstore.Store
	engine *delivery.Engine
}

func newFixture(t *testing.T, meta metastore.Store) fixture {
	codec, err := token.NewCodec(bytes.Repeat([]byte{7}, token.KeySize))
	must.NoError(t, err)

	assets := assetstore.New(meta, urlgen.New("http", "localhost:8080"))
	return fixture{
		chunks: chunkstore.New(meta),
		assets: assets,
		engine: delivery.New(assets, codec),
	}
}

func (f fixture) commit(t *testing.T, req assetstore.CommitRequest, pieces ...string) *metastore.Asset {
	ctx := context.Background()
	var acc checksum.Accumulator
	for i, piece := range pieces {
		id, err := f.chunks.Upload(ctx, "x", uint32(i), []byte(piece))
		must.NoError(t, err)
		req.ChunkIDs = append(req.ChunkIDs, id)
		acc.AddContent([]byte(piece))
	}
	req.Checksum = acc.Sum()

	asset, err := f.assets.Commit(ctx, "x", req)
	must.NoError(t, err)
	return asset
}

func TestDeliverTwoChunks(t *testing.T) {
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tc.store(t))

			asset := f.commit(t, assetstore.CommitRequest{
				ContentType: "text/plain",
				FileName:    "abcd.txt",
			}, "AB", "CD")

			first, err := f.engine.Request(ctx, asset.URL)
			must.NoError(t, err)
			must.Eq(t, http.StatusOK, first.StatusCode)
			must.Eq(t, []byte("AB"), first.Body)
			must.NotEq(t, "", first.Token)
			must.Eq(t, "text/plain", first.Header.Get("Content-Type"))
			must.Eq(t, "bytes", first.Header.Get("Accept-Ranges"))
			must.Eq(t, "attachment; filename=abcd.txt", first.Header.Get("Content-Disposition"))
			must.Eq(t, "private, max-age=0", first.Header.Get("Cache-Control"))
			must.Eq(t, `"`+checksum.DigestOf([]byte("ABCD"))+`"`, first.Header.Get("ETag"))
			must.Eq(t, "", first.Header.Get("Content-Encoding"))

			second, err := f.engine.Continue(ctx, first.Token)
			must.NoError(t, err)
			must.Eq(t, []byte("CD"), second.Body)
			must.Eq(t, "", second.Token)
		})
	}
}

func TestChunkCounts(t *testing.T) {
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tc.store(t))

			for _, pieces := range [][]string{
				{"only"},
				{"a", "b"},
				{"one", "", "three", "four", "five"},
			} {
				asset := f.commit(t, assetstore.CommitRequest{}, pieces...)

				resp, err := f.engine.Request(ctx, "/asset/"+asset.ID.String()+"?download=1")
				must.NoError(t, err)

				var (
					content   bytes.Buffer
					responses = 1
					tokens    int
				)
				content.Write(resp.Body)
				for resp.Token != "" {
					tokens++
					resp, err = f.engine.Continue(ctx, resp.Token)
					must.NoError(t, err)
					responses++
					content.Write(resp.Body)
				}

				must.Eq(t, len(pieces), responses)
				must.Eq(t, len(pieces)-1, tokens)
				must.Eq(t, strings.Join(pieces, ""), content.String())
			}
		})
	}
}

func TestRequestNotFound(t *testing.T) {
	f := newFixture(t, memory.New())

	resp, err := f.engine.Request(context.Background(), "http://localhost:8080/asset/42")
	must.NoError(t, err)
	must.Eq(t, http.StatusNotFound, resp.StatusCode)
	must.Eq(t, []byte(delivery.NotFoundBody), resp.Body)
	must.Eq(t, "", resp.Token)
}

// countingStore counts read transactions.
type countingStore struct {
	metastore.Store
	views int
}

func (s *countingStore) View(fn func(metastore.Tx) error) error {
	s.views++
	return s.Store.View(fn)
}

func TestRequestReadsOneSnapshot(t *testing.T) {
	meta := &countingStore{Store: memory.New()}
	f := newFixture(t, meta)
	asset := f.commit(t, assetstore.CommitRequest{}, "AB", "CD")

	meta.views = 0
	resp, err := f.engine.Request(context.Background(), asset.URL)
	must.NoError(t, err)
	must.Eq(t, []byte("AB"), resp.Body)
	must.Eq(t, 1, meta.views)
}

func TestNoContentType(t *testing.T) {
	f := newFixture(t, memory.New())
	asset := f.commit(t, assetstore.CommitRequest{FileName: "blob"}, "data")

	resp, err := f.engine.Request(context.Background(), asset.URL)
	must.NoError(t, err)
	_, ok := resp.Header["Content-Type"]
	must.False(t, ok)
	must.Eq(t, "attachment; filename=blob", resp.Header.Get("Content-Disposition"))
}

func TestRequestMalformed(t *testing.T) {
	f := newFixture(t, memory.New())

	for _, locator := range []string{"", "/asset/", "/asset/abc", "/asset/-1"} {
		_, err := f.engine.Request(context.Background(), locator)
		must.ErrorIs(t, err, metastore.ErrMalformedLocator)
	}
}

func TestGZIPHeader(t *testing.T) {
	f := newFixture(t, memory.New())
	asset := f.commit(t, assetstore.CommitRequest{ContentEncoding: metastore.GZIP}, "compressed")

	resp, err := f.engine.Request(context.Background(), asset.URL)
	must.NoError(t, err)
	must.Eq(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestContinueRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	asset := f.commit(t, assetstore.CommitRequest{}, "a", "b", "c")

	resp, err := f.engine.Request(ctx, asset.URL)
	must.NoError(t, err)

	_, err = f.engine.Continue(ctx, "garbage")
	must.ErrorIs(t, err, metastore.ErrInvalidToken)

	// A token from a different key is rejected.
	other, err := token.NewCodec(bytes.Repeat([]byte{8}, token.KeySize))
	must.NoError(t, err)
	forged, err := other.Encode(token.Token{AssetID: asset.ID, NextChunkIndex: 1, ChunkCount: 3})
	must.NoError(t, err)
	_, err = f.engine.Continue(ctx, forged)
	must.ErrorIs(t, err, metastore.ErrInvalidToken)

	// Deleting the asset invalidates outstanding tokens.
	must.NoError(t, f.assets.Delete(ctx, "x", asset.ID))
	_, err = f.engine.Continue(ctx, resp.Token)
	must.ErrorIs(t, err, metastore.ErrInvalidToken)

	// A well-formed token naming an asset that never existed.
	ghost, err := token.NewCodec(bytes.Repeat([]byte{7}, token.KeySize))
	must.NoError(t, err)
	stale, err := ghost.Encode(token.Token{AssetID: uint128.From64(999), NextChunkIndex: 1, ChunkCount: 2})
	must.NoError(t, err)
	_, err = f.engine.Continue(ctx, stale)
	must.ErrorIs(t, err, metastore.ErrInvalidToken)
}
