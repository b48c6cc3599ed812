// Package maintenance runs the background sweep that prunes old sessions
// and interrupts idle ones, the external collaborator spec.md §5 assigns
// to the operational surface around the core ("every 60s prunes sessions
// older than retention_days and interrupts RUNNING sessions idle beyond
// idle_timeout_s"). Grounded in the teacher's ticker-driven background
// loops (internal/mcp/manager_connect.go's health-check ticker).
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/tether/internal/statemachine"
	"github.com/nextlevelbuilder/tether/internal/store"
)

const sweepInterval = 60 * time.Second

// Options configures retention and idle-interrupt thresholds.
type Options struct {
	RetentionDays int
	IdleTimeout   time.Duration
}

// Loop runs the periodic sweep over a store.Store.
type Loop struct {
	store store.Store
	locks *statemachine.Locks
	opts  Options
}

// New builds a maintenance Loop.
func New(st store.Store, locks *statemachine.Locks, opts Options) *Loop {
	return &Loop{store: st, locks: locks, opts: opts}
}

// Run ticks every 60s until ctx is cancelled, pruning ERROR sessions idle
// past retention and interrupting RUNNING sessions idle past idle_timeout.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	l.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

// sweepLimit bounds each per-state scan; a single process is not expected
// to hold more concurrently-RUNNING or unpruned-ERROR sessions than this
// between sweeps.
const sweepLimit = 10000

func (l *Loop) sweep(ctx context.Context) {
	now := time.Now()
	retentionCutoff := now.AddDate(0, 0, -l.opts.RetentionDays)

	if l.opts.RetentionDays > 0 {
		errored, err := l.store.ListSessions(ctx, store.SessionListOpts{State: string(statemachine.Error), Limit: sweepLimit})
		if err != nil {
			slog.Error("maintenance: list error sessions failed", "error", err)
		}
		for i := range errored.Sessions {
			sess := errored.Sessions[i]
			if !sess.LastActivityAt.Before(retentionCutoff) {
				continue
			}
			if err := l.store.DeleteSession(ctx, sess.ID); err != nil {
				slog.Error("maintenance: prune session failed", "session_id", sess.ID, "error", err)
				continue
			}
			l.locks.Remove(sess.ID)
			slog.Info("maintenance: pruned idle session", "session_id", sess.ID)
		}
	}

	if l.opts.IdleTimeout > 0 {
		running, err := l.store.ListSessions(ctx, store.SessionListOpts{State: string(statemachine.Running), Limit: sweepLimit})
		if err != nil {
			slog.Error("maintenance: list running sessions failed", "error", err)
			return
		}
		for i := range running.Sessions {
			sess := running.Sessions[i]
			if now.Sub(sess.LastActivityAt) > l.opts.IdleTimeout {
				l.interrupt(ctx, &sess)
			}
		}
	}
}

func (l *Loop) interrupt(ctx context.Context, sess *store.Session) {
	mu := l.locks.Lock(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	from := statemachine.State(sess.State)
	if !statemachine.CanTransition(from, statemachine.Interrupting, false) {
		return
	}
	stamps, err := statemachine.Transition(from, statemachine.Interrupting, false, sess.StartedAt, nil)
	if err != nil {
		return
	}
	sess.State = string(statemachine.Interrupting)
	if stamps.EndedAt != nil {
		sess.EndedAt = stamps.EndedAt
	}
	if err := l.store.UpdateSession(ctx, sess); err != nil {
		slog.Error("maintenance: interrupt session failed", "session_id", sess.ID, "error", err)
		return
	}
	l.store.SetStopFlag(sess.ID)
	slog.Info("maintenance: interrupted idle session", "session_id", sess.ID)
}
