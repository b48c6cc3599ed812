package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nextlevelbuilder/tether/internal/bridge"
	"github.com/nextlevelbuilder/tether/internal/external"
	"github.com/nextlevelbuilder/tether/internal/runner"
	"github.com/nextlevelbuilder/tether/internal/statemachine"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// ProtocolVersion is the wire-compatibility marker reported by /health.
const ProtocolVersion = 1

// Server holds every dependency the HTTP handlers need: the durable store,
// one runner per configured backend adapter, the bridge router for
// platform-bound sessions, and the lock registry shared with
// internal/runnerevents so handler-level and loop-level transitions never
// race.
type Server struct {
	store          store.Store
	runners        map[string]*runner.Runner
	defaultAdapter string
	bridges        *bridge.Router
	locks          *statemachine.Locks
	external       *external.Registry
	version        string
	token          string
	devMode        bool
}

// Config configures a new Server.
type Config struct {
	Store          store.Store
	Runners        map[string]*runner.Runner
	DefaultAdapter string
	Bridges        *bridge.Router
	Locks          *statemachine.Locks
	External       *external.Registry
	Version        string
	Token          string
	DevMode        bool
}

// NewServer builds a Server ready to have its Router mounted.
func NewServer(cfg Config) *Server {
	return &Server{
		store:          cfg.Store,
		runners:        cfg.Runners,
		defaultAdapter: cfg.DefaultAdapter,
		bridges:        cfg.Bridges,
		locks:          cfg.Locks,
		external:       cfg.External,
		version:        cfg.Version,
		token:          cfg.Token,
		devMode:        cfg.DevMode,
	}
}

// Router builds the full gorilla/mux router: middleware chain, then the
// /api route table per spec.md §6, plus the SSE stream which lives
// outside the /api prefix (matches the teacher's split between its
// versioned REST surface and its unprefixed /events endpoints).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging)
	r.Use(recoverPanic)
	r.Use(cors)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth(s.token, s.devMode))

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/attach", s.handleAttachSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/start", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/input", s.handleInputSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stop", s.handleStopSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/rename", s.handleRenameSession).Methods(http.MethodPatch)
	api.HandleFunc("/sessions/{id}/sync", s.handleSyncSession).Methods(http.MethodPost)

	events := r.PathPrefix("/events").Subrouter()
	events.Use(auth(s.token, s.devMode))
	events.HandleFunc("/sessions/{id}", s.handleStreamEvents).Methods(http.MethodGet)

	return r
}

func (s *Server) runnerFor(adapter *string) (*runner.Runner, string) {
	name := s.defaultAdapter
	if adapter != nil && *adapter != "" {
		name = *adapter
	}
	return s.runners[name], name
}

func bridgeBinding(sess *store.Session) bridge.Binding {
	b := bridge.Binding{SessionID: sess.ID}
	if sess.Platform != nil {
		b.Platform = *sess.Platform
	}
	if sess.PlatformThreadID != nil {
		b.ThreadID = *sess.PlatformThreadID
	}
	return b
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"version":  s.version,
		"protocol": ProtocolVersion,
	})
}
