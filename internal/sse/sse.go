// Package sse streams a session's event log over Server-Sent Events.
// Ports tether/sse.py's sse_event/sse_stream exactly: register-before-
// replay ordering, last_seq dedup across replay and live events, and a
// 15s keepalive comment line. Adds the stale-permission-request filter
// required by spec.md §4.6 step 3 / §8 property 9.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// KeepaliveInterval is the idle-time gap after which a ": keepalive\n\n"
// comment line is written to keep the connection alive through proxies.
const KeepaliveInterval = 15 * time.Second

// wireEvent is the JSON shape written for each event line, matching the
// Python original's plain dict encoding.
type wireEvent struct {
	Seq       int64                  `json:"seq"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

func encode(ev events.Event) []byte {
	payload, _ := json.Marshal(wireEvent{Seq: ev.Seq, Type: string(ev.Kind), Data: ev.Data, CreatedAt: ev.CreatedAt})
	return append([]byte("data: "), append(payload, '\n', '\n')...)
}

// Stream writes the replay of logged events since sinceSeq, then live
// events, to w as they arrive, until ctx is done or the writer can no
// longer flush. The caller (internal/httpapi) is responsible for setting
// the text/event-stream content type before calling Stream.
func Stream(ctx context.Context, st store.Store, sessionID string, sinceSeq int64, limit int, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}

	// Register before replay so no event appended during replay is lost
	// between reading the log and subscribing.
	queue := st.NewSubscriber(sessionID)
	defer st.RemoveSubscriber(sessionID, queue)

	lastSeq := sinceSeq

	replay, err := st.ReadEventLog(ctx, sessionID, sinceSeq, limit)
	if err != nil {
		return err
	}
	for _, ev := range replay {
		if ev.Seq != 0 && ev.Seq <= lastSeq {
			continue
		}
		if ev.Seq != 0 {
			lastSeq = ev.Seq
		}
		stale, err := isStalePermissionRequest(ctx, st, sessionID, ev)
		if err != nil {
			return err
		}
		if stale {
			continue
		}
		if _, err := w.Write(encode(ev)); err != nil {
			return err
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-queue:
			if !ok {
				return nil
			}
			if ev.Seq != 0 && ev.Seq <= lastSeq {
				continue
			}
			if ev.Seq != 0 {
				lastSeq = ev.Seq
			}
			if _, err := w.Write(encode(ev)); err != nil {
				return err
			}
			flusher.Flush()
			ticker.Reset(KeepaliveInterval)
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// isStalePermissionRequest reports whether ev is a permission_request
// event whose request_id is no longer in the pending_permissions table —
// e.g. after a backend restart or a timeout resolved it. The Python
// original's later revision builds this set up front; IsPermissionPending
// already answers per-request_id membership, so this backend checks it
// lazily per permission_request event during replay instead of doing a
// bulk fetch the store interface doesn't expose.
func isStalePermissionRequest(ctx context.Context, st store.Store, sessionID string, ev events.Event) (bool, error) {
	if ev.Kind != events.KindPermissionRequest {
		return false, nil
	}
	requestID, _ := ev.Data["request_id"].(string)
	if requestID == "" {
		return false, nil
	}
	pending, err := st.IsPermissionPending(ctx, sessionID, requestID)
	if err != nil {
		return false, err
	}
	return !pending, nil
}
