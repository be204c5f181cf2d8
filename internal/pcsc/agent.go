// Package pcsc mediates between applications and the PC/SC reader subsystem.
//
// An Agent owns the subsystem context, a single background presence listener
// that reports card UIDs and errors through callbacks, and one-shot APDU
// exchanges that run on their own goroutines.
package pcsc

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// Agent is the process-wide entry point to the reader subsystem.
type Agent struct {
	subsystem *Subsystem
	registry  *Registry
}

// Option configures an Agent.
type Option func(*agentConfig)

type agentConfig struct {
	establish EstablishFunc
	listener  ListenerOptions
}

// WithEstablish replaces the backend used to establish contexts.
func WithEstablish(fn EstablishFunc) Option {
	return func(c *agentConfig) {
		c.establish = fn
	}
}

// WithListenerOptions sets the presence loop timing.
func WithListenerOptions(opts ListenerOptions) Option {
	return func(c *agentConfig) {
		c.listener = opts
	}
}

// NewAgent creates an Agent. Without options it talks to the platform PC/SC
// service through scard.
func NewAgent(opts ...Option) *Agent {
	cfg := agentConfig{establish: EstablishScard}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Agent{
		subsystem: NewSubsystem(cfg.establish),
		registry:  NewRegistry(cfg.listener),
	}
}

// Ensure establishes the subsystem context if it is not already held.
func (a *Agent) Ensure() error {
	_, err := a.subsystem.Ensure()
	return err
}

// Established reports whether the subsystem context is held.
func (a *Agent) Established() bool {
	return a.subsystem.Established()
}

// ListReaders returns the names of all known readers. No readers is not an
// error.
func (a *Agent) ListReaders() ([]string, error) {
	ctx, err := a.subsystem.Ensure()
	if err != nil {
		return nil, err
	}

	names, err := ctx.ListReaders()
	if err != nil {
		switch StatusOf(err) {
		case StatusNoReadersAvailable:
			logging.Debug(logging.CatReader, "No readers found", nil)
			return []string{}, nil
		case StatusNoMemory:
			return nil, newError(ErrResourceExhausted, "Failed to list readers", err)
		default:
			return nil, newError(ErrListReaders, "Failed to list readers", err)
		}
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// StartListening starts the presence listener on reader. onUID receives each
// inserted card's UID; onError receives listener failures. Both run on the
// listener's dispatch goroutine.
func (a *Agent) StartListening(reader string, onUID, onError func(string)) error {
	if reader == "" || onUID == nil || onError == nil {
		return &Error{Kind: ErrInvalidArguments, Msg: "Parameters expected: readerName (string), onUid (function), onError (function)"}
	}

	ctx, err := a.subsystem.Ensure()
	if err != nil {
		return err
	}
	return a.registry.Start(ctx, reader, onUID, onError)
}

// StopListening stops the presence listener. It is a no-op when none runs.
func (a *Agent) StopListening() error {
	return a.registry.Stop()
}

// Listening reports the reader the listener is attached to, if any.
func (a *Agent) Listening() (reader string, ok bool) {
	return a.registry.Active()
}

// TransmitResult is the outcome of an asynchronous transmit. Exactly one of
// Response and Err is meaningful.
type TransmitResult struct {
	Response []byte
	Err      error
}

// TransmitAsync exchanges apdu with the card in reader on a new goroutine.
// The returned channel yields one result and is then closed. An exchange
// that has started always runs to completion.
func (a *Agent) TransmitAsync(reader string, apdu []byte) <-chan TransmitResult {
	out := make(chan TransmitResult, 1)
	req := append([]byte(nil), apdu...)

	go func() {
		defer close(out)
		rsp, err := a.transmit(reader, req)
		if err != nil {
			out <- TransmitResult{Err: err}
			return
		}
		out <- TransmitResult{Response: rsp}
	}()

	return out
}

// Transmit is the blocking form of TransmitAsync. ctx only bounds how long
// the caller waits; it does not abort the exchange.
func (a *Agent) Transmit(ctx context.Context, reader string, apdu []byte) ([]byte, error) {
	select {
	case res := <-a.TransmitAsync(reader, apdu):
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for transmit on %q: %w", reader, ctx.Err())
	}
}

func (a *Agent) transmit(reader string, apdu []byte) (rsp []byte, err error) {
	defer logging.RecoverAndLogFunc("transmit worker", false, func(r interface{}, _ string) {
		rsp = nil
		err = &Error{Kind: ErrTransmit, Msg: fmt.Sprintf("APDU transmit failed: %v", r)}
	})

	if reader == "" || len(apdu) == 0 {
		return nil, &Error{Kind: ErrInvalidArguments, Msg: "Parameters expected: readerName (string), apdu (non-empty bytes)"}
	}

	ctx, err := a.subsystem.Ensure()
	if err != nil {
		return nil, err
	}

	sess, err := OpenSession(ctx, reader)
	if err != nil {
		logging.Warn(logging.CatTransmit, "Connect failed", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
		return nil, err
	}
	defer sess.Close()

	rsp, err = sess.Transmit(apdu)
	if err != nil {
		logging.Warn(logging.CatTransmit, "Transmit failed", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
		return nil, err
	}

	logging.Debug(logging.CatTransmit, "APDU exchanged", map[string]any{
		"reader":   reader,
		"command":  strings.ToUpper(hex.EncodeToString(apdu)),
		"response": strings.ToUpper(hex.EncodeToString(rsp)),
	})
	return rsp, nil
}

// Close stops the listener and then releases the subsystem context.
func (a *Agent) Close() error {
	logging.Info(logging.CatSystem, "Cleaning up PC/SC context", nil)
	if err := a.registry.Stop(); err != nil {
		return err
	}
	return a.subsystem.Release()
}
