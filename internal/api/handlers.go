package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/radar"
	"github.com/fxradar/fxradar/internal/status"
)

const (
	defaultSearchLimit = 25
	maxSearchLimit     = 100
	defaultWorkBatch   = 30
	maxWorkBatch       = 100

	msgQueueNotConfigured = "work queue not configured"
)

func (s *Server) claimWork(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, msgQueueNotConfigured)
		return
	}
	workerID := strings.TrimSpace(r.URL.Query().Get("worker"))
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "worker id required")
		return
	}
	kind := radar.TaskAddress
	if raw := r.URL.Query().Get("type"); raw != "" {
		kind = radar.TaskKind(raw)
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, "unknown task type")
			return
		}
	}
	maxItems := defaultWorkBatch
	if raw := r.URL.Query().Get("max"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid max")
			return
		}
		maxItems = min(val, maxWorkBatch)
	}

	tasks, err := s.queue.ClaimBatch(r.Context(), workerID, kind, maxItems)
	if err != nil {
		s.logger.Error("claim batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	if tasks == nil {
		tasks = []radar.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

type submitRequest struct {
	Results []radar.ScanResult `json:"results"`
}

func (s *Server) submitResults(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, msgQueueNotConfigured)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	summary, err := s.queue.SubmitResults(r.Context(), req.Results)
	if err != nil {
		s.logger.Error("submit results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	if s.servers != nil {
		for _, res := range req.Results {
			s.servers.Invalidate(res.ServerID)
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

// getStats always answers with a well-formed report; a degraded pipeline
// reads as all zeros rather than an error.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeJSON(w, http.StatusOK, status.Report{})
		return
	}
	report, err := s.reporter.Report(r.Context())
	if err != nil {
		s.logger.Warn("stats read failed", zap.Error(err))
		writeJSON(w, http.StatusOK, status.Report{})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "server_id")
	srv, err := s.servers.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, radar.ErrNotFound) {
			writeError(w, http.StatusNotFound, "server not found")
			return
		}
		s.logger.Error("server lookup failed", zap.String("server_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": srv})
}

type searchResponse struct {
	Results any  `json:"results"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

func (s *Server) searchResources(w http.ResponseWriter, r *http.Request) {
	q, limit, offset, err := parseSearchParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, total := s.engine.SearchResources(q, limit, offset)
	writeJSON(w, http.StatusOK, searchResponse{
		Results: page,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(page) < total,
	})
}

func (s *Server) searchServers(w http.ResponseWriter, r *http.Request) {
	q, limit, offset, err := parseSearchParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	servers, err := s.servers.All(r.Context())
	if err != nil {
		// Read endpoints stay well formed under store trouble.
		s.logger.Warn("server search read failed", zap.Error(err))
		writeJSON(w, http.StatusOK, searchResponse{Results: []radar.Server{}, Limit: limit, Offset: offset})
		return
	}

	matches := servers[:0]
	for _, srv := range servers {
		if q == "" ||
			strings.Contains(strings.ToLower(srv.Name), strings.ToLower(q)) ||
			strings.EqualFold(srv.ID, q) {
			matches = append(matches, srv)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Players != matches[j].Players {
			return matches[i].Players > matches[j].Players
		}
		return matches[i].ID < matches[j].ID
	})

	total := len(matches)
	page := []radar.Server{}
	if offset < total {
		page = matches[offset:min(offset+limit, total)]
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Results: page,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(page) < total,
	})
}

func parseSearchParams(r *http.Request) (string, int, int, error) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return "", 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxSearchLimit)
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return "", 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return q, limit, offset, nil
}
