// Package control holds the cooperative pause/resume/cancel state shared by
// the stage orchestrator and the enrichment sub-pipeline.
package control

import (
	"context"
	"sync"
)

// Control is safe for concurrent use. Cancel is terminal: once cancelled,
// Pause and Resume are no-ops and paused waiters are released.
type Control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	// changed is closed and replaced on every transition.
	changed chan struct{}
}

// New returns a running Control.
func New() *Control {
	return &Control{changed: make(chan struct{})}
}

func (c *Control) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Pause suspends dispatch. It reports whether the state changed.
func (c *Control) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.cancelled {
		return false
	}
	c.paused = true
	c.notify()
	return true
}

// Resume re-enables dispatch. It reports whether the state changed.
func (c *Control) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || c.cancelled {
		return false
	}
	c.paused = false
	c.notify()
	return true
}

// Cancel stops dispatch permanently. It reports whether the state changed.
func (c *Control) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return false
	}
	c.cancelled = true
	c.paused = false
	c.notify()
	return true
}

// Paused reports whether dispatch is suspended.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Cancelled reports whether Cancel has been called.
func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Changed returns a channel closed on the next state transition.
func (c *Control) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// WaitIfPaused blocks while paused. It returns ctx.Err() if ctx ends first
// and nil once resumed or cancelled; callers check Cancelled afterwards.
func (c *Control) WaitIfPaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused || c.cancelled {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
