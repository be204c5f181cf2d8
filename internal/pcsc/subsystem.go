package pcsc

import (
	"sync"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// Subsystem owns the connection to the reader-access service. The context is
// established lazily, reused until Release, and may be re-established after a
// failed attempt.
type Subsystem struct {
	establish EstablishFunc

	mu  sync.Mutex
	ctx Context
}

// NewSubsystem returns an unestablished Subsystem that uses establish to
// create contexts.
func NewSubsystem(establish EstablishFunc) *Subsystem {
	return &Subsystem{establish: establish}
}

// Ensure establishes the context if needed and returns it. Repeated calls
// return the same context.
func (s *Subsystem) Ensure() (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return s.ctx, nil
	}

	ctx, err := s.establish()
	if err != nil {
		pe := newError(ErrContextUnavailable, "Failed to establish PC/SC context", err)
		logging.Error(logging.CatReader, "Failed to establish PC/SC context", map[string]any{
			"error": pe.Error(),
			"hint":  "On Linux, ensure pcscd is installed and running: sudo systemctl status pcscd",
		})
		return nil, pe
	}
	if ctx == nil {
		return nil, &Error{Kind: ErrContextUnavailable, Msg: "PC/SC context not established or invalid."}
	}

	s.ctx = ctx
	logging.Info(logging.CatReader, "PC/SC context established", nil)
	return ctx, nil
}

// Established reports whether a context is currently held.
func (s *Subsystem) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil
}

// Cancel interrupts any blocking wait on the current context. It is a no-op
// when no context is held.
func (s *Subsystem) Cancel() error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return nil
	}
	return ctx.Cancel()
}

// Release releases the context. It must only be called once no listener is
// blocked on it. Releasing an unestablished Subsystem is a no-op.
func (s *Subsystem) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil
	}

	err := s.ctx.Release()
	s.ctx = nil
	if err != nil {
		logging.Warn(logging.CatReader, "Failed to release PC/SC context", map[string]any{
			"error": StatusText(StatusOf(err)),
		})
		return newError(ErrContextUnavailable, "Failed to release PC/SC context", err)
	}

	logging.Info(logging.CatReader, "PC/SC context released", nil)
	return nil
}
