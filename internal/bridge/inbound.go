package bridge

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/tether/internal/store"
)

// InputSubmitter feeds text into a session's conversation, the same path
// POST /sessions/{id}/input uses. Bridges depend on this interface
// instead of a concrete runner/httpapi type so internal/bridge never
// imports internal/runner.
type InputSubmitter interface {
	SubmitInput(ctx context.Context, sessionID, text string) error
}

// Inbox resolves an inbound platform message (platform, threadID, text)
// to the session bound to that thread and submits it as input. One Inbox
// is shared by every concrete Bridge.
type Inbox struct {
	store      store.Store
	submitter  InputSubmitter
}

// NewInbox builds an Inbox.
func NewInbox(st store.Store, submitter InputSubmitter) *Inbox {
	return &Inbox{store: st, submitter: submitter}
}

// Route finds the session bound to (platform, threadID) and submits text
// as that session's next input. Returns an error if no session is bound
// to the thread, which callers log and otherwise ignore — an unbound
// thread is normal (e.g. a Telegram chat the user hasn't attached yet).
func (ib *Inbox) Route(ctx context.Context, platform, threadID, text string) error {
	sessionID, err := ib.findBoundSession(ctx, platform, threadID)
	if err != nil {
		return err
	}
	return ib.submitter.SubmitInput(ctx, sessionID, text)
}

func (ib *Inbox) findBoundSession(ctx context.Context, platform, threadID string) (string, error) {
	result, err := ib.store.ListSessions(ctx, store.SessionListOpts{Limit: 1000})
	if err != nil {
		return "", err
	}
	for i := range result.Sessions {
		s := result.Sessions[i]
		if s.Platform != nil && *s.Platform == platform &&
			s.PlatformThreadID != nil && *s.PlatformThreadID == threadID {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("no session bound to %s thread %s", platform, threadID)
}
