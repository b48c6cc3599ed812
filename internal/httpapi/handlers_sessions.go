package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nextlevelbuilder/tether/internal/runner"
	"github.com/nextlevelbuilder/tether/internal/statemachine"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// decodeJSON parses the request body into dst, rejecting a missing or
// malformed body with the caller-supplied 422 message.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

func (s *Server) messageCount(r *http.Request, sessionID string) int {
	msgs, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		return 0
	}
	return len(msgs)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := store.SessionListOpts{
		State: r.URL.Query().Get("state"),
	}
	result, err := s.store.ListSessions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	sessions := make([]sessionResponse, 0, len(result.Sessions))
	for i := range result.Sessions {
		sessions = append(sessions, toSessionResponse(&result.Sessions[i], s.messageCount(r, result.Sessions[i].ID)))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body", nil)
		return
	}
	if strings.TrimSpace(req.Directory) == "" {
		writeError(w, http.StatusUnprocessableEntity, "directory is required", nil)
		return
	}
	isDir, hasGit := validateDirectory(req.Directory)
	if !isDir {
		writeError(w, http.StatusUnprocessableEntity, "directory does not exist", nil)
		return
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:              "sess_" + uuid.NewString(),
		RepoRef:         store.RepoRef{Type: req.RepoType, Value: req.RepoValue},
		State:           string(statemachine.Created),
		CreatedAt:       now,
		LastActivityAt:  now,
		Directory:       &req.Directory,
		DirectoryHasGit: hasGit,
		ApprovalMode:    req.ApprovalMode,
	}
	if req.Name != "" {
		sess.Name = &req.Name
	}
	if req.Adapter != "" {
		sess.Adapter = &req.Adapter
	} else {
		sess.Adapter = &s.defaultAdapter
	}
	if req.Platform != "" {
		sess.Platform = &req.Platform
	}
	if req.PlatformThreadID != "" {
		sess.PlatformThreadID = &req.PlatformThreadID
	}

	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	s.store.SetWorkdir(sess.ID, req.Directory)

	if sess.Platform != nil && *sess.Platform != "" && s.bridges != nil {
		_ = s.bridges.Subscribe(r.Context(), bridgeBinding(sess))
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": toSessionResponse(sess, 0)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": toSessionResponse(sess, s.messageCount(r, id))})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}
	if rn, _ := s.runnerFor(sess.Adapter); rn != nil {
		rn.Stop(id)
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	s.locks.Remove(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req startSessionRequest
	_ = decodeJSON(r, &req)
	if req.ApprovalChoice != 1 && req.ApprovalChoice != 2 {
		req.ApprovalChoice = 2
	}

	mu := s.locks.Lock(id)
	mu.Lock()
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil || sess == nil {
		mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}
	if sess.Directory == nil || *sess.Directory == "" {
		mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "session has no working directory", nil)
		return
	}

	from := statemachine.State(sess.State)
	if !statemachine.CanTransition(from, statemachine.Running, false) {
		mu.Unlock()
		writeError(w, http.StatusConflict, "cannot start session from state "+sess.State, nil)
		return
	}
	stamps, err := statemachine.Transition(from, statemachine.Running, false, sess.StartedAt, nil)
	if err != nil {
		mu.Unlock()
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	}

	sess.State = string(statemachine.Running)
	if stamps.StartedAt != nil {
		sess.StartedAt = stamps.StartedAt
	}
	sess.Name = statemachine.StampName(sess.Name, req.Prompt)
	approvalChoice := req.ApprovalChoice
	sess.ApprovalMode = &approvalChoice
	sess.LastActivityAt = time.Now().UTC()
	updateErr := s.store.UpdateSession(r.Context(), sess)
	mu.Unlock()
	if updateErr != nil {
		writeError(w, http.StatusInternalServerError, updateErr.Error(), nil)
		return
	}

	s.store.SetWorkdir(id, *sess.Directory)

	rn, adapterName := s.runnerFor(sess.Adapter)
	if rn == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "AGENT_UNAVAILABLE", "no runner configured for adapter "+adapterName, nil)
		return
	}
	if err := rn.Start(r.Context(), id, req.Prompt); err != nil {
		s.writeRunnerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInputSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "text is required", nil)
		return
	}

	if err := s.SubmitInput(r.Context(), id, req.Text); err != nil {
		if rerr, ok := err.(runnerError); ok {
			s.writeRunnerError(w, rerr.err)
			return
		}
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// runnerError wraps an error returned by a runner so SubmitInput's callers
// can distinguish "runner rejected the input" from "session not in a
// state that accepts input", which map to different HTTP statuses.
type runnerError struct{ err error }

func (r runnerError) Error() string { return r.err.Error() }

// SubmitInput feeds text into sessionID's conversation, transitioning an
// AWAITING_INPUT session back to RUNNING first — the same path
// POST /sessions/{id}/input uses, exported so internal/bridge can route
// inbound platform messages through it via bridge.InputSubmitter.
func (s *Server) SubmitInput(ctx context.Context, sessionID, text string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return errors.New("session not found")
	}
	state := statemachine.State(sess.State)
	if state != statemachine.Running && state != statemachine.AwaitingInput {
		return errors.New("session is not accepting input in state " + sess.State)
	}

	rn, adapterName := s.runnerFor(sess.Adapter)
	if rn == nil {
		return errors.New("no runner configured for adapter " + adapterName)
	}

	if state == statemachine.AwaitingInput {
		mu := s.locks.Lock(sessionID)
		mu.Lock()
		stamps, terr := statemachine.Transition(state, statemachine.Running, false, sess.StartedAt, nil)
		if terr == nil {
			sess.State = string(statemachine.Running)
			if stamps.StartedAt != nil {
				sess.StartedAt = stamps.StartedAt
			}
			sess.LastActivityAt = time.Now().UTC()
			_ = s.store.UpdateSession(ctx, sess)
		}
		mu.Unlock()
	}

	if err := rn.SendInput(ctx, sessionID, text); err != nil {
		return runnerError{err: err}
	}
	return nil
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}
	state := statemachine.State(sess.State)
	if state != statemachine.Running {
		writeError(w, http.StatusConflict, "session is not running", nil)
		return
	}

	mu := s.locks.Lock(id)
	mu.Lock()
	stamps, terr := statemachine.Transition(state, statemachine.Interrupting, false, sess.StartedAt, nil)
	if terr == nil {
		sess.State = string(statemachine.Interrupting)
		if stamps.EndedAt != nil {
			sess.EndedAt = stamps.EndedAt
		}
		sess.LastActivityAt = time.Now().UTC()
		_ = s.store.UpdateSession(r.Context(), sess)
	}
	mu.Unlock()

	s.store.SetStopFlag(id)
	if rn, _ := s.runnerFor(sess.Adapter); rn != nil {
		rn.Stop(id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req renameSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body", nil)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len([]rune(name)) > statemachine.MaxNameLength {
		writeError(w, http.StatusUnprocessableEntity, "name must be 1-80 characters", nil)
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}
	sess.Name = &name
	if err := s.store.UpdateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": toSessionResponse(sess, s.messageCount(r, id))})
}

func (s *Server) handleAttachSession(w http.ResponseWriter, r *http.Request) {
	var req attachSessionRequest
	if err := decodeJSON(r, &req); err != nil || req.ExternalID == "" || req.RunnerType == "" || req.Directory == "" {
		writeError(w, http.StatusUnprocessableEntity, "external_id, runner_type and directory are required", nil)
		return
	}
	isDir, hasGit := validateDirectory(req.Directory)
	if !isDir {
		writeError(w, http.StatusUnprocessableEntity, "directory does not exist", nil)
		return
	}

	now := time.Now().UTC()
	runnerType := req.RunnerType
	externalID := req.ExternalID
	sess := &store.Session{
		ID:              "sess_" + uuid.NewString(),
		State:           string(statemachine.Created),
		CreatedAt:       now,
		LastActivityAt:  now,
		Directory:       &req.Directory,
		DirectoryHasGit: hasGit,
		RunnerType:      &runnerType,
		ExternalAgentID: &externalID,
		Adapter:         &s.defaultAdapter,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	s.store.SetWorkdir(sess.ID, req.Directory)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": toSessionResponse(sess, 0)})
}

func (s *Server) handleSyncSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}

	synced, err := s.syncExternalSession(r.Context(), sess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	total, _ := s.store.ListMessages(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]int{"synced": synced, "total": len(total)})
}

// syncExternalSession appends any external-agent messages recorded since
// the last sync, matching handleSyncSession's already-len(messages)
// watermark. A session with no external agent attached is a no-op.
func (s *Server) syncExternalSession(ctx context.Context, sess *store.Session) (int, error) {
	if s.external == nil || sess.ExternalAgentID == nil || sess.RunnerType == nil {
		return 0, nil
	}
	discoverer := s.external.Get(*sess.RunnerType)
	if discoverer == nil {
		return 0, nil
	}

	already, err := s.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	detail, err := discoverer.Detail(ctx, *sess.ExternalAgentID, 0)
	if err != nil || detail == nil {
		return 0, err
	}

	synced := 0
	for i, m := range detail.Messages {
		if i < len(already) {
			continue
		}
		msg := &store.Message{SessionID: sess.ID, Role: m.Role, Content: m.Content}
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}

// SyncExternalSessions re-syncs every attached, non-terminal session against
// its external discoverer. Intended to be invoked from a filesystem watch
// callback so rollout writes made while the gateway is already running are
// picked up without a client hitting /sessions/{id}/sync on a poll loop.
func (s *Server) SyncExternalSessions(ctx context.Context) {
	if s.external == nil {
		return
	}
	result, err := s.store.ListSessions(ctx, store.SessionListOpts{Limit: 500})
	if err != nil {
		return
	}
	for i := range result.Sessions {
		sess := &result.Sessions[i]
		if sess.ExternalAgentID == nil || sess.RunnerType == nil {
			continue
		}
		if statemachine.State(sess.State) == statemachine.Error {
			continue
		}
		if _, err := s.syncExternalSession(ctx, sess); err != nil {
			slog.Warn("httpapi: external resync failed", "session", sess.ID, "error", err)
		}
	}
}

func (s *Server) writeRunnerError(w http.ResponseWriter, err error) {
	if errors.Is(err, runner.ErrRunnerUnavailable) {
		writeErrorCode(w, http.StatusServiceUnavailable, "AGENT_UNAVAILABLE", err.Error(), nil)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), nil)
}
