package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/radar"
)

// stream pushes server-sent events: lightweight counters on a short interval
// and the top-resources snapshot on a longer one. The loop is a single
// cooperative timer per connection and exits as soon as the client is gone.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()

	// First push right away so a new client never stares at a blank stream.
	s.pushCounters(ctx, w, flusher)
	s.pushTop(w, flusher)

	counters := time.NewTicker(s.cfg.CountersInterval)
	defer counters.Stop()
	top := time.NewTicker(s.cfg.TopInterval)
	defer top.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-counters.C:
			s.pushCounters(ctx, w, flusher)
		case <-top.C:
			s.pushTop(w, flusher)
		}
	}
}

func (s *Server) pushCounters(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) {
	payload := radar.QueueCounters{}
	if s.queue != nil {
		if counters, err := s.queue.Stats(ctx); err == nil {
			payload = counters
		} else {
			s.logger.Debug("stream counters read failed", zap.Error(err))
		}
	}
	writeEvent(w, flusher, "counters", payload)
}

func (s *Server) pushTop(w http.ResponseWriter, flusher http.Flusher) {
	writeEvent(w, flusher, "top", s.engine.Snapshot())
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
