// Package delivery serves committed assets one chunk per response,
// handing out a continuation token for every chunk after the first.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cbrewster/assetstore/internal/assetstore"
	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/metrics"
	"github.com/cbrewster/assetstore/internal/token"
	"github.com/cbrewster/assetstore/internal/urlgen"
)

// NotFoundBody is the body of the response to a locator naming no asset.
const NotFoundBody = "Asset Not Found"

// Response is one step of a delivery.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Token fetches the next chunk. It is empty after the last chunk.
	Token string
}

type Engine struct {
	assets  *assetstore.Store
	codec   *token.Codec
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(assets *assetstore.Store, codec *token.Codec, options ...Option) *Engine {
	e := &Engine{
		assets: assets,
		codec:  codec,
		logger: zerolog.Nop(),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Request starts the delivery of the asset named by locator and returns
// its first chunk with the response headers. A locator naming no asset
// yields a 404 response rather than an error.
func (e *Engine) Request(ctx context.Context, locator string) (*Response, error) {
	id, err := urlgen.ParseLocator(locator)
	if err != nil {
		e.metrics.Delivered("initial", "malformed")
		return nil, err
	}

	asset, body, err := e.assets.First(ctx, id)
	if errors.Is(err, metastore.ErrNotFound) {
		e.metrics.Delivered("initial", "not_found")
		return &Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
			Body:       []byte(NotFoundBody),
		}, nil
	}
	if err != nil {
		e.metrics.Delivered("initial", "error")
		return nil, err
	}

	next, err := e.nextToken(token.Token{
		AssetID:         id,
		NextChunkIndex:  0,
		ChunkCount:      asset.ChunkCount,
		ContentEncoding: asset.ContentEncoding,
	})
	if err != nil {
		e.metrics.Delivered("initial", "error")
		return nil, err
	}

	e.metrics.Delivered("initial", "ok")
	e.logger.Debug().
		Str("asset_id", id.String()).
		Uint32("chunks", asset.ChunkCount).
		Msg("delivery started")
	return &Response{
		StatusCode: http.StatusOK,
		Header:     headers(asset),
		Body:       body,
		Token:      next,
	}, nil
}

// Continue serves the chunk named by a token from an earlier response.
// Tokens for assets that were deleted or no longer match are rejected
// with metastore.ErrInvalidToken.
func (e *Engine) Continue(ctx context.Context, text string) (*Response, error) {
	tok, err := e.codec.Decode(text)
	if err != nil {
		e.metrics.Delivered("continue", "invalid")
		return nil, err
	}

	asset, err := e.assets.Get(ctx, tok.AssetID)
	if errors.Is(err, metastore.ErrNotFound) {
		e.metrics.Delivered("continue", "invalid")
		return nil, fmt.Errorf("%w: asset %s is gone", metastore.ErrInvalidToken, tok.AssetID)
	}
	if err != nil {
		e.metrics.Delivered("continue", "error")
		return nil, err
	}
	if asset.ChunkCount != tok.ChunkCount || asset.ContentEncoding != tok.ContentEncoding {
		e.metrics.Delivered("continue", "invalid")
		return nil, fmt.Errorf("%w: asset %s changed", metastore.ErrInvalidToken, tok.AssetID)
	}

	body, err := e.assets.Chunk(ctx, tok.AssetID, tok.NextChunkIndex)
	if err != nil {
		e.metrics.Delivered("continue", "error")
		return nil, err
	}

	next, err := e.nextToken(tok)
	if err != nil {
		e.metrics.Delivered("continue", "error")
		return nil, err
	}

	e.metrics.Delivered("continue", "ok")
	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       body,
		Token:      next,
	}, nil
}

func (e *Engine) nextToken(current token.Token) (string, error) {
	next, ok := current.Next()
	if !ok {
		return "", nil
	}
	return e.codec.Encode(next)
}

func headers(asset *metastore.Asset) http.Header {
	h := http.Header{}
	if asset.ContentType != "" {
		h.Set("Content-Type", asset.ContentType)
	}
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", asset.FileName))
	h.Set("Cache-Control", "private, max-age=0")
	if asset.ContentEncoding == metastore.GZIP {
		h.Set("Content-Encoding", "gzip")
	}
	if asset.Digest != "" {
		h.Set("ETag", `"`+asset.Digest+`"`)
	}
	return h
}
