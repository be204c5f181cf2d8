package pcsc

import "errors"

// Error kinds. Match them with errors.Is.
var (
	ErrContextUnavailable = errors.New("PC/SC context not established or invalid")
	ErrConnect            = errors.New("connect failed")
	ErrTransmit           = errors.New("transmit failed")
	ErrReaderUnavailable  = errors.New("reader unavailable")
	ErrAlreadyActive      = errors.New("listener is already active")
	ErrInvalidArguments   = errors.New("invalid arguments")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrListReaders        = errors.New("failed to list readers")
)

// Error is a failure surfaced by the agent. Msg describes the failed step and
// Status, when non-zero, is the subsystem code behind it.
type Error struct {
	Kind   error
	Msg    string
	Status Status
}

func newError(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Status: statusOfCause(cause)}
}

func statusOfCause(cause error) Status {
	if cause == nil {
		return StatusSuccess
	}
	return StatusOf(cause)
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Status != StatusSuccess {
		msg += " (" + StatusText(e.Status) + ")"
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Status != StatusSuccess {
		errs = append(errs, e.Status)
	}
	return errs
}
