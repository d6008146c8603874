// Package client talks to an assetd server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cbrewster/assetstore/internal/httpapi"
	"github.com/cbrewster/assetstore/internal/metastore"
)

type Client struct {
	BaseURL    string
	Principal  metastore.Principal
	HTTPClient *http.Client
}

func New(baseURL string, principal metastore.Principal) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Principal:  principal,
		HTTPClient: http.DefaultClient,
	}
}

// APIError is a non-2xx response. It matches the metastore sentinel that
// corresponds to its status code.
type APIError struct {
	StatusCode int
	Message    string
	IDs        []string
}

func (e *APIError) Error() string {
	if len(e.IDs) > 0 {
		return fmt.Sprintf("%d: %s %v", e.StatusCode, e.Message, e.IDs)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == metastore.ErrNotFound
	case http.StatusForbidden:
		return target == metastore.ErrNotOwned
	case http.StatusConflict:
		return target == metastore.ErrChecksumMismatch
	case http.StatusInsufficientStorage:
		return target == metastore.ErrAllocation
	}
	return false
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Principal != "" {
		req.Header.Set(httpapi.PrincipalHeader, string(c.Principal))
	}
	// Asking explicitly keeps the transport from decoding gzip chunks,
	// which are only decodable once concatenated.
	req.Header.Set("Accept-Encoding", "gzip")
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var decoded struct {
		Error string   `json:"error"`
		IDs   []string `json:"ids"`
	}
	if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
		apiErr.Message = decoded.Error
		apiErr.IDs = decoded.IDs
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, apiErr)
}

// doJSON sends in as JSON, when non-nil, and decodes the response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func formatIDs(ids []metastore.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

type idResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// UploadChunk stores one chunk and returns its id.
func (c *Client) UploadChunk(ctx context.Context, order uint32, content []byte) (metastore.ID, error) {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/chunks?order=%d", order), bytes.NewReader(content))
	if err != nil {
		return metastore.ID{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.send(req)
	if err != nil {
		return metastore.ID{}, err
	}
	defer resp.Body.Close()

	var out idResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return metastore.ID{}, fmt.Errorf("decode upload response: %w", err)
	}
	return metastore.ParseID(out.ID)
}

// Available reports whether every chunk id is still stored.
func (c *Client) Available(ctx context.Context, ids []metastore.ID) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/chunks/availability", map[string][]string{"ids": formatIDs(ids)}, &out)
	return out.Available, err
}

// Commit assembles uploaded chunks into an asset and returns its id and
// URL.
func (c *Client) Commit(ctx context.Context, body httpapi.CommitBody) (metastore.ID, string, error) {
	var out idResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/assets", body, &out); err != nil {
		return metastore.ID{}, "", err
	}
	id, err := metastore.ParseID(out.ID)
	return id, out.URL, err
}

func (c *Client) Chunk(ctx context.Context, id metastore.ID) (*httpapi.ChunkInfo, error) {
	var out httpapi.ChunkInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chunks/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SweepExpired asks the server to drop expired chunks now.
func (c *Client) SweepExpired(ctx context.Context) (int, error) {
	var out struct {
		Reaped int `json:"reaped"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/chunks/expired", nil, &out)
	return out.Reaped, err
}

func (c *Client) Asset(ctx context.Context, id metastore.ID) (*metastore.AssetSummary, error) {
	var out metastore.AssetSummary
	if err := c.doJSON(ctx, http.MethodGet, "/v1/assets/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Assets lists every asset keyed by decimal id.
func (c *Client) Assets(ctx context.Context) (map[string]metastore.AssetSummary, error) {
	out := map[string]metastore.AssetSummary{}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/assets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, id metastore.ID) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/assets/"+id.String(), nil, nil)
}
