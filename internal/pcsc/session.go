package pcsc

import (
	"sync"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// MaxResponseSize bounds a single card response: 256 data bytes, the 2-byte
// status trailer, and headroom matching common reader buffers.
const MaxResponseSize = 260

// Session is one connect/transmit/disconnect sequence against a reader.
// Callers must Close it, typically with defer, on every path.
type Session struct {
	reader   string
	card     Card
	protocol Protocol

	closeOnce sync.Once
	closeErr  error
}

// OpenSession connects to the card in reader using shared mode and T0 or T1.
func OpenSession(ctx Context, reader string) (*Session, error) {
	if ctx == nil {
		return nil, &Error{Kind: ErrContextUnavailable, Msg: "PC/SC context not established or invalid."}
	}

	card, err := ctx.Connect(reader, ProtocolAny)
	if err != nil {
		return nil, newError(ErrConnect, "Failed to connect to card in reader: "+reader, err)
	}

	return &Session{
		reader:   reader,
		card:     card,
		protocol: card.ActiveProtocol(),
	}, nil
}

// Protocol returns the protocol negotiated at connect time.
func (s *Session) Protocol() Protocol {
	return s.protocol
}

// Transmit sends req and returns the card's reply, status trailer included.
func (s *Session) Transmit(req []byte) ([]byte, error) {
	framing := framingFor(s.protocol)

	recv := make([]byte, MaxResponseSize)
	n, err := s.card.Transmit(framing, req, recv)
	if err != nil {
		return nil, newError(ErrTransmit, "APDU transmit/receive failed", err)
	}
	if n < 0 || n > len(recv) {
		return nil, &Error{Kind: ErrTransmit, Msg: "APDU transmit/receive failed", Status: StatusInsufficientBuffer}
	}
	return recv[:n], nil
}

// Close disconnects the card, leaving it in place. Only the first call
// reaches the subsystem.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.card.Disconnect(); err != nil {
			logging.Warn(logging.CatCard, "Failed to disconnect card", map[string]any{
				"reader": s.reader,
				"error":  StatusText(StatusOf(err)),
			})
			s.closeErr = err
		}
	})
	return s.closeErr
}

// framingFor selects the framing descriptor for the negotiated protocol.
// Unrecognised protocols fall back to T1.
func framingFor(p Protocol) Protocol {
	switch p {
	case ProtocolT0:
		return ProtocolT0
	case ProtocolT1:
		return ProtocolT1
	default:
		logging.Warn(logging.CatCard, "Unknown or unsupported protocol, using T1 framing", map[string]any{
			"protocol": uint32(p),
		})
		return ProtocolT1
	}
}
