package media

import (
	"sync"
	"sync/atomic"
)

// CancelToken is the cooperative cancellation handle the orchestrator hands
// to each pipeline task. The engine checks it at well-defined checkpoints
// (before each variant, after each variant, before manifest assembly) and
// registers the live encoder process on it so Cancel can kill mid-variant.
// At most one process is registered at a time; variants encode sequentially.
type CancelToken struct {
	cancelled atomic.Bool

	mu     sync.Mutex
	handle *Handle
}

// NewCancelToken returns an un-cancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel marks the token cancelled and force-kills any registered process.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)

	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()

	if h != nil {
		h.Kill()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// attach registers the live process. If the token was cancelled while the
// process was starting, the process is killed immediately.
func (t *CancelToken) attach(h *Handle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()

	if h != nil && t.Cancelled() {
		h.Kill()
	}
}

// detach clears the registered process after it exits.
func (t *CancelToken) detach() {
	t.mu.Lock()
	t.handle = nil
	t.mu.Unlock()
}
