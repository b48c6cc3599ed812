package bridge

import (
	"sync"
	"time"
)

// TypingOptions configures a Controller's keepalive cadence.
type TypingOptions struct {
	MaxDuration       time.Duration
	KeepaliveInterval time.Duration
	StartFn           func() error
}

// TypingController re-fires a platform's typing indicator on an interval
// (most chat platforms expire it after several seconds) and auto-stops
// after MaxDuration as a safety net against stuck indicators left running
// by a session that never reaches a terminal event. Ported from the
// teacher's typing.Controller (internal/channels/typing, referenced but
// not present in the retrieved pack — rebuilt from its call sites in
// discord.go/channel.go).
type TypingController struct {
	opts TypingOptions

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewTypingController builds a stopped Controller; call Start to begin.
func NewTypingController(opts TypingOptions) *TypingController {
	return &TypingController{opts: opts}
}

// Start fires StartFn immediately, then on every KeepaliveInterval, until
// Stop is called or MaxDuration elapses.
func (c *TypingController) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	if c.opts.StartFn != nil {
		_ = c.opts.StartFn()
	}

	go func() {
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(c.opts.MaxDuration)
		defer deadline.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if c.opts.StartFn != nil {
					_ = c.opts.StartFn()
				}
			}
		}
	}()
}

// Stop ends the keepalive loop. Safe to call multiple times.
func (c *TypingController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.stopCh == nil {
		return
	}
	c.stopped = true
	close(c.stopCh)
}
