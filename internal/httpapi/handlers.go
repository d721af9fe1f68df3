package httpapi

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/dshills/bookfinder/internal/indexer"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/rating"
	"github.com/dshills/bookfinder/internal/validation"
	"github.com/dshills/bookfinder/pkg/types"
)

const maxBodyBytes = 1 << 16

// SearchResponse is the data of a search reply
type SearchResponse struct {
	Mode    types.Mode   `json:"mode"`
	Term    string       `json:"term"`
	Count   int          `json:"count"`
	Results []SearchItem `json:"results"`
}

// SearchItem is a ranked result plus its display year ("unknown" for 0)
type SearchItem struct {
	types.SearchResult
	YearLabel string `json:"year_label"`
}

// BackfillRequest is the optional body of POST /api/v1/backfill
type BackfillRequest struct {
	BatchSize  int `json:"batch_size" validate:"gte=0"`
	MaxBatches int `json:"max_batches" validate:"gte=0"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := types.ParseMode(q.Get("mode"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	term := q.Get("q")
	if strings.TrimSpace(term) == "" {
		respondError(w, r, http.StatusBadRequest, CodeInvalidInput, "q parameter is required and cannot be empty")
		return
	}

	results, err := s.app.Search(r.Context(), mode, term)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	items := make([]SearchItem, 0, len(results))
	for _, res := range results {
		items = append(items, SearchItem{SearchResult: res, YearLabel: res.YearLabel()})
	}
	respondJSON(w, r, http.StatusOK, SearchResponse{Mode: mode, Term: term, Count: len(items), Results: items})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rating.Request
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	if err := s.app.Rate(r.Context(), req.UserID, req.ISBN, req.Score); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, req)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := decodeBody(r, &req, true); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	if err := validation.Struct(&req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	// A full run outlasts the server WriteTimeout; the request context
	// still cancels it when the client goes away.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logger := logging.Ctx(r.Context(), s.logger)
		logger.Debug().Err(err).Msg("write deadline not cleared")
	}

	stats, err := s.app.Backfill(r.Context(), indexer.Options{BatchSize: req.BatchSize, MaxBatches: req.MaxBatches})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.app.Status(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Healthy(r.Context()); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]string{
		"store":   "ok",
		"breaker": s.app.Embedder.State().String(),
	})
}

// decodeBody reads a JSON body into dst. An empty body is accepted only
// when optional is set.
func decodeBody(r *http.Request, dst interface{}, optional bool) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		if optional {
			return nil
		}
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(data, dst)
}
