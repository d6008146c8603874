package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cbrewster/assetstore/internal/assetstore"
	"github.com/cbrewster/assetstore/internal/metastore"
)

var (
	errBadRequest       = errors.New("bad request")
	errMissingPrincipal = errors.New("missing " + PrincipalHeader + " header")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type errorResponse struct {
	Error string   `json:"error"`
	IDs   []string `json:"ids,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, metastore.ErrMalformedLocator),
		errors.Is(err, metastore.ErrInvalidToken):
		return http.StatusBadRequest
	case errors.Is(err, metastore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, metastore.ErrNotOwned):
		return http.StatusForbidden
	case errors.Is(err, metastore.ErrChecksumMismatch):
		return http.StatusConflict
	case errors.Is(err, metastore.ErrAllocation):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}

	var rejected *assetstore.RejectedError
	if errors.As(err, &rejected) {
		resp.IDs = formatIDs(rejected.IDs())
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

func requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PrincipalHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errMissingPrincipal.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principal(r *http.Request) metastore.Principal {
	return metastore.Principal(r.Header.Get(PrincipalHeader))
}

func urlID(r *http.Request) (metastore.ID, error) {
	id, err := metastore.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		return metastore.ID{}, badRequest("%v", err)
	}
	return id, nil
}

func parseIDs(raw []string) ([]metastore.ID, error) {
	ids := make([]metastore.ID, len(raw))
	for i, s := range raw {
		id, err := metastore.ParseID(s)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		ids[i] = id
	}
	return ids, nil
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
	URL string `json:"url,omitempty"`
}

func (s *Server) uploadChunk(w http.ResponseWriter, r *http.Request) {
	order, err := strconv.ParseUint(r.URL.Query().Get("order"), 10, 32)
	if err != nil {
		s.writeError(w, r, badRequest("order: %v", err))
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkSize))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("chunk exceeds %d bytes", tooLarge.Limit),
		})
		return
	}
	if err != nil {
		s.writeError(w, r, badRequest("read chunk: %v", err))
		return
	}

	id, err := s.chunks.Upload(r.Context(), principal(r), uint32(order), content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id.String()})
}

type availabilityRequest struct {
	IDs []string `json:"ids"`
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

func (s *Server) chunkAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := parseIDs(req.IDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ok, err := s.chunks.Available(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{Available: ok})
}

type sweepResponse struct {
	Reaped int `json:"reaped"`
}

func (s *Server) clearExpired(w http.ResponseWriter, r *http.Request) {
	reaped, err := s.chunks.SweepNow(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Reaped: reaped})
}

// ChunkInfo describes a pending chunk without its content.
type ChunkInfo struct {
	ID        string              `json:"id"`
	Owner     metastore.Principal `json:"owner"`
	CreatedAt time.Time           `json:"created_at"`
	Order     uint32              `json:"order"`
	Checksum  uint32              `json:"checksum"`
	Size      int                 `json:"size"`
}

func (s *Server) getChunk(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	fragment, err := s.chunks.Peek(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChunkInfo{
		ID:        id.String(),
		Owner:     fragment.Owner,
		CreatedAt: fragment.CreatedAt,
		Order:     fragment.Order,
		Checksum:  fragment.Checksum,
		Size:      len(fragment.Content),
	})
}

// CommitBody is the JSON form of a commit request.
type CommitBody struct {
	Checksum        uint32                    `json:"checksum"`
	ChunkIDs        []string                  `json:"chunk_ids"`
	ContentType     string                    `json:"content_type"`
	FileName        string                    `json:"file_name"`
	ContentEncoding metastore.ContentEncoding `json:"content_encoding"`
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	var body CommitBody
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := parseIDs(body.ChunkIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	asset, err := s.assets.Commit(r.Context(), principal(r), assetstore.CommitRequest{
		Checksum:        body.Checksum,
		ChunkIDs:        ids,
		ContentType:     body.ContentType,
		FileName:        body.FileName,
		ContentEncoding: body.ContentEncoding,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: asset.ID.String(), URL: asset.URL})
}

func (s *Server) deleteAsset(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.assets.Delete(r.Context(), principal(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	asset, err := s.assets.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset.Summary())
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.assets.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make(map[string]metastore.AssetSummary, len(summaries))
	for id, summary := range summaries {
		out[id.String()] = summary
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.Request(r.Context(), r.URL.RequestURI())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for key, values := range resp.Header {
		w.Header()[key] = values
	}
	if resp.Token != "" {
		w.Header().Set(TokenHeader, resp.Token)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *Server) continueDelivery(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.Continue(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if resp.Token != "" {
		w.Header().Set(TokenHeader, resp.Token)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
