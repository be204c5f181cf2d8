package pcsc

import "time"

// Protocol is a PC/SC card protocol bitmask.
type Protocol uint32

const (
	ProtocolUndefined Protocol = 0x0
	ProtocolT0        Protocol = 0x1
	ProtocolT1        Protocol = 0x2
	ProtocolRaw       Protocol = 0x10000
	ProtocolAny                = ProtocolT0 | ProtocolT1
)

func (p Protocol) String() string {
	switch p {
	case ProtocolT0:
		return "T0"
	case ProtocolT1:
		return "T1"
	case ProtocolRaw:
		return "RAW"
	case ProtocolUndefined:
		return "undefined"
	default:
		return "unknown"
	}
}

// StateFlag is a reader state bitmask as reported by the wait-for-change primitive.
type StateFlag uint32

const (
	StateUnaware     StateFlag = 0x0000
	StateIgnore      StateFlag = 0x0001
	StateChanged     StateFlag = 0x0002
	StateUnknown     StateFlag = 0x0004
	StateUnavailable StateFlag = 0x0008
	StateEmpty       StateFlag = 0x0010
	StatePresent     StateFlag = 0x0020
	StateAtrmatch    StateFlag = 0x0040
	StateExclusive   StateFlag = 0x0080
	StateInuse       StateFlag = 0x0100
	StateMute        StateFlag = 0x0200
	StateUnpowered   StateFlag = 0x0400
)

// ReaderState is the per-poll-cycle view of one reader.
type ReaderState struct {
	Reader       string
	CurrentState StateFlag
	EventState   StateFlag
}

// Context represents an established session with the reader-access service.
// This is the capability surface the agent needs; NewScardContext provides the
// production implementation.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []ReaderState, timeout time.Duration) error
	Cancel() error
	Connect(reader string, protocols Protocol) (Card, error)
	Release() error
}

// Card is a connected card handle. Connections are always made in shared mode.
type Card interface {
	ActiveProtocol() Protocol
	// Transmit sends cmd framed for proto and writes the reply into recv,
	// returning the number of bytes received.
	Transmit(proto Protocol, cmd []byte, recv []byte) (int, error)
	// Disconnect releases the handle, leaving the card powered in the reader.
	Disconnect() error
}

// EstablishFunc creates a new Context. It allows for dependency injection and
// fakes in tests.
type EstablishFunc func() (Context, error)
