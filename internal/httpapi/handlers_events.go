package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nextlevelbuilder/tether/internal/sse"
)

const (
	defaultEventLimit = 500
	maxEventLimit     = 5000
)

// handleStreamEvents serves GET /events/sessions/{id}, replaying the
// session's logged events since ?since=N (capped at ?limit=M, default
// 500/max 5000) and then tailing live events until the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if sess, err := s.store.GetSession(r.Context(), id); err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}

	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_ = sse.Stream(r.Context(), s.store, id, since, limit, w)
}
