package pcsc

import (
	"sync"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// Registry guarantees at most one presence listener, and therefore one
// polling goroutine, at a time.
type Registry struct {
	opts ListenerOptions

	// lifecycle serializes whole Start and Stop calls.
	lifecycle sync.Mutex

	mu     sync.Mutex
	active *listener
}

// NewRegistry returns an empty Registry whose listeners use opts.
func NewRegistry(opts ListenerOptions) *Registry {
	return &Registry{opts: opts}
}

// Start begins listening on reader. Callbacks run on a dedicated goroutine,
// one at a time, and must not call Stop synchronously.
func (r *Registry) Start(ctx Context, reader string, onUID, onError func(string)) error {
	if ctx == nil {
		return &Error{Kind: ErrContextUnavailable, Msg: "PC/SC context not established or invalid."}
	}
	if reader == "" || onUID == nil || onError == nil {
		return &Error{Kind: ErrInvalidArguments, Msg: "Parameters expected: readerName (string), onUid (function), onError (function)"}
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()

	if prev != nil {
		if prev.running.Load() {
			return &Error{Kind: ErrAlreadyActive, Msg: "Listener is already active. Call StopListening first."}
		}
		// The previous listener stopped itself; wait for it to drain.
		prev.reap()
		r.clear(prev)
	}

	l := newListener(ctx, reader, onUID, onError, r.opts)

	r.mu.Lock()
	r.active = l
	r.mu.Unlock()

	l.start()
	return nil
}

// Stop ends the active listener and waits for its goroutines to exit. No
// callback runs after Stop returns. Calling Stop with no listener is a no-op.
func (r *Registry) Stop() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	l := r.active
	r.mu.Unlock()

	if l == nil {
		return nil
	}

	l.stop()
	r.clear(l)

	logging.Info(logging.CatListener, "Listener stopped successfully", map[string]any{
		"reader": l.reader,
	})
	return nil
}

// Active reports the reader of the running listener, if any.
func (r *Registry) Active() (reader string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || !r.active.running.Load() {
		return "", false
	}
	return r.active.reader, true
}

func (r *Registry) clear(l *listener) {
	r.mu.Lock()
	if r.active == l {
		r.active = nil
	}
	r.mu.Unlock()
}
