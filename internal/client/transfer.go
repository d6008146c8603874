package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"

	"github.com/cbrewster/assetstore/internal/checksum"
	"github.com/cbrewster/assetstore/internal/httpapi"
	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/urlgen"
)

// DefaultChunkSize is the size of every uploaded chunk but the last.
const DefaultChunkSize = 2_000_000

type UploadOptions struct {
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize   int
	ContentType string
	FileName    string
	// Compress gzips the content before it is split. The asset is then
	// stored and served with Content-Encoding: gzip.
	Compress bool
}

// Uploaded describes a committed upload.
type Uploaded struct {
	ID     metastore.ID
	URL    string
	Chunks int
	// Size is the number of stored bytes, after compression.
	Size int64
}

// Upload splits r into chunks, uploads them in order and commits them as
// one asset. The aggregate checksum is accumulated while uploading.
func (c *Client) Upload(ctx context.Context, r io.Reader, opts UploadOptions) (*Uploaded, error) {
	if c.Principal == "" {
		return nil, errors.New("upload: client has no principal")
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	encoding := metastore.Identity
	if opts.Compress {
		encoding = metastore.GZIP
		rc := compress(r)
		defer rc.Close()
		r = rc
	}

	var (
		acc  checksum.Accumulator
		ids  []metastore.ID
		size int64
		buf  = make([]byte, chunkSize)
	)
	for order := uint32(0); ; order++ {
		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) && len(ids) > 0 {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("upload: read: %w", err)
		}

		// An empty input still becomes one empty chunk.
		id, uploadErr := c.UploadChunk(ctx, order, buf[:n])
		if uploadErr != nil {
			return nil, fmt.Errorf("upload chunk %d: %w", order, uploadErr)
		}
		acc.AddContent(buf[:n])
		ids = append(ids, id)
		size += int64(n)

		if err != nil {
			break
		}
	}

	ok, err := c.Available(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("upload: check chunks: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("upload: chunks expired before commit: %w", metastore.ErrNotFound)
	}

	id, url, err := c.Commit(ctx, httpapi.CommitBody{
		Checksum:        acc.Sum(),
		ChunkIDs:        formatIDs(ids),
		ContentType:     opts.ContentType,
		FileName:        opts.FileName,
		ContentEncoding: encoding,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	return &Uploaded{ID: id, URL: url, Chunks: len(ids), Size: size}, nil
}

// compress gzips r on a separate goroutine. Closing the returned reader
// stops that goroutine even if the stream was not read to the end.
func compress(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		gw := gzip.NewWriter(pw)
		_, err := io.Copy(gw, r)
		if closeErr := gw.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()
	return pr
}

type DownloadOptions struct {
	// Decode gunzips GZIP assets while writing them.
	Decode bool
}

// Downloaded describes a finished download.
type Downloaded struct {
	// Header holds the headers of the first response.
	Header http.Header
	Chunks int
}

// Download writes the asset named by locator to w, following
// continuation tokens until the last chunk. The locator is an asset URL,
// a path ending in the id, or the bare id.
func (c *Client) Download(ctx context.Context, locator string, w io.Writer, opts DownloadOptions) (*Downloaded, error) {
	id, err := urlgen.ParseLocator(locator)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/asset/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	dl := &Downloaded{Header: resp.Header}
	dst := w
	var wait func(error) error
	if opts.Decode && resp.Header.Get("Content-Encoding") == "gzip" {
		dst, wait = decompress(w)
	}

	err = c.follow(ctx, resp, dst, dl)
	if wait != nil {
		err = wait(err)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	return dl, nil
}

func (c *Client) follow(ctx context.Context, resp *http.Response, w io.Writer, dl *Downloaded) error {
	for {
		_, err := io.Copy(w, resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		dl.Chunks++

		next := resp.Header.Get(httpapi.TokenHeader)
		if next == "" {
			return nil
		}

		req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream/"+next, nil)
		if err != nil {
			return err
		}
		resp, err = c.send(req)
		if err != nil {
			return err
		}
	}
}

// decompress returns a writer that gunzips into w. The returned function
// finishes the stream and reports the first error.
func decompress(w io.Writer) (io.Writer, func(error) error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		gr, err := gzip.NewReader(pr)
		if err == nil {
			_, err = io.Copy(w, gr)
		}
		pr.CloseWithError(err)
		done <- err
	}()

	return pw, func(err error) error {
		pw.CloseWithError(err)
		decodeErr := <-done
		if err != nil {
			return err
		}
		return decodeErr
	}
}
