package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/shoenig/test/must"

	"github.com/cbrewster/assetstore/internal/assetstore"
	"github.com/cbrewster/assetstore/internal/checksum"
	"github.com/cbrewster/assetstore/internal/chunkstore"
	"github.com/cbrewster/assetstore/internal/delivery"
	"github.com/cbrewster/assetstore/internal/httpapi"
	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/metastore/bolt"
	"github.com/cbrewster/assetstore/internal/metastore/memory"
	"github.com/cbrewster/assetstore/internal/token"
	"github.com/cbrewster/assetstore/internal/urlgen"
)

func newServer(t *testing.T) *httptest.Server {
	meta := memory.New()
	codec, err := token.NewCodec(bytes.Repeat([]byte{3}, token.KeySize))
	must.NoError(t, err)

	assets := assetstore.New(meta, urlgen.New("http", "localhost:8080"))
	srv := httptest.NewServer(httpapi.New(chunkstore.New(meta), assets, delivery.New(assets, codec)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	srv := newServer(t)
	dir := t.TempDir()
	common := []string{"--server", srv.URL, "--principal", "alice"}

	src := filepath.Join(dir, "hello.txt")
	content := strings.Repeat("hello world\n", 50)
	must.NoError(t, os.WriteFile(src, []byte(content), 0o600))

	out, err := run(t, append(common, "upload", "--chunk-size", "100", "--gzip", src)...)
	must.NoError(t, err)
	must.StrHasPrefix(t, "1\thttp://localhost:8080/asset/1\t", out)

	dst := filepath.Join(dir, "out.txt")
	_, err = run(t, append(common, "fetch", "--decode", "-o", dst, "http://localhost:8080/asset/1")...)
	must.NoError(t, err)
	got, err := os.ReadFile(dst)
	must.NoError(t, err)
	must.Eq(t, content, string(got))

	out, err = run(t, append(common, "ls")...)
	must.NoError(t, err)
	must.StrContains(t, out, "hello.txt")
	must.StrContains(t, out, "gzip")

	out, err = run(t, append(common, "info", "1")...)
	must.NoError(t, err)
	must.StrContains(t, out, `"content_type": "text/plain; charset=utf-8"`)

	_, err = run(t, "--server", srv.URL, "--principal", "bob", "rm", "1")
	must.Error(t, err)

	out, err = run(t, append(common, "rm", "1")...)
	must.NoError(t, err)
	must.Eq(t, "deleted 1\n", out)

	out, err = run(t, append(common, "sweep")...)
	must.NoError(t, err)
	must.Eq(t, "reaped 0 chunks\n", out)
}

func TestOfflineSweep(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASSETD_DATA_DIR", dir)

	out, err := run(t, "sweep", "--offline")
	must.NoError(t, err)
	must.Eq(t, "reaped 0 chunks\n", out)

	_, err = os.Stat(filepath.Join(dir, dbFileName))
	must.NoError(t, err)

	t.Setenv("ASSETD_BACKEND", "memory")
	_, err = run(t, "sweep", "--offline")
	must.Error(t, err)
}

// commitLocal stores content as a two-chunk asset in the bolt database
// under dir.
func commitLocal(t *testing.T, dir string, content []byte, encoding metastore.ContentEncoding) *metastore.Asset {
	ctx := context.Background()
	meta, err := bolt.New(filepath.Join(dir, dbFileName))
	must.NoError(t, err)
	defer meta.Close()

	chunks := chunkstore.New(meta)
	half := len(content) / 2
	req := assetstore.CommitRequest{
		Checksum:        checksum.Aggregate([]uint32{checksum.ContentHash(content[:half]), checksum.ContentHash(content[half:])}),
		ContentEncoding: encoding,
	}
	for i, piece := range [][]byte{content[:half], content[half:]} {
		id, err := chunks.Upload(ctx, "alice", uint32(i), piece)
		must.NoError(t, err)
		req.ChunkIDs = append(req.ChunkIDs, id)
	}

	asset, err := assetstore.New(meta, urlgen.New("http", "localhost:8080")).Commit(ctx, "alice", req)
	must.NoError(t, err)
	return asset
}

func TestOfflineFetch(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASSETD_DATA_DIR", dir)

	plain := commitLocal(t, dir, []byte("stored without a server"), metastore.Identity)

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	_, err := gw.Write([]byte("gzipped on disk"))
	must.NoError(t, err)
	must.NoError(t, gw.Close())
	zipped := commitLocal(t, dir, compressed.Bytes(), metastore.GZIP)

	out, err := run(t, "fetch", "--offline", plain.URL)
	must.NoError(t, err)
	must.Eq(t, "stored without a server", out)

	out, err = run(t, "fetch", "--offline", "--decode", zipped.ID.String())
	must.NoError(t, err)
	must.Eq(t, "gzipped on disk", out)

	out, err = run(t, "fetch", "--offline", zipped.ID.String())
	must.NoError(t, err)
	must.Eq(t, compressed.String(), out)

	_, err = run(t, "fetch", "--offline", "404")
	must.ErrorIs(t, err, metastore.ErrNotFound)
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("ASSETD_BACKEND", "s3")
	_, err := run(t, "ls")
	must.ErrorContains(t, err, "unknown backend")
}
