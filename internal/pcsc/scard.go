package pcsc

import (
	"errors"
	"time"

	"github.com/ebfe/scard"
)

// scardContext adapts scard.Context to Context.
type scardContext struct {
	ctx *scard.Context
}

// EstablishScard establishes a system-scope context through the platform PC/SC
// library (winscard on Windows, PCSC.framework on macOS, pcsc-lite elsewhere).
func EstablishScard() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, scardStatus(err)
	}
	return &scardContext{ctx: ctx}, nil
}

func (c *scardContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		return nil, scardStatus(err)
	}
	return readers, nil
}

func (c *scardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}

	if err := c.ctx.GetStatusChange(rs, timeout); err != nil {
		return scardStatus(err)
	}

	for i := range states {
		states[i].EventState = StateFlag(rs[i].EventState)
	}
	return nil
}

func (c *scardContext) Cancel() error {
	if err := c.ctx.Cancel(); err != nil {
		return scardStatus(err)
	}
	return nil
}

func (c *scardContext) Connect(reader string, protocols Protocol) (Card, error) {
	card, err := c.ctx.Connect(reader, scard.ShareShared, scard.Protocol(protocols))
	if err != nil {
		return nil, scardStatus(err)
	}

	proto := ProtocolUndefined
	if status, err := card.Status(); err == nil && status != nil {
		proto = Protocol(status.ActiveProtocol)
	}
	return &scardCard{card: card, protocol: proto}, nil
}

func (c *scardContext) Release() error {
	if err := c.ctx.Release(); err != nil {
		return scardStatus(err)
	}
	return nil
}

// scardCard adapts scard.Card to Card. scard derives the PCI structure from
// the protocol it negotiated, so Transmit ignores the framing argument.
type scardCard struct {
	card     *scard.Card
	protocol Protocol
}

func (c *scardCard) ActiveProtocol() Protocol {
	return c.protocol
}

func (c *scardCard) Transmit(_ Protocol, cmd []byte, recv []byte) (int, error) {
	rsp, err := c.card.Transmit(cmd)
	if err != nil {
		return 0, scardStatus(err)
	}
	if len(rsp) > len(recv) {
		return 0, StatusInsufficientBuffer
	}
	return copy(recv, rsp), nil
}

func (c *scardCard) Disconnect() error {
	if err := c.card.Disconnect(scard.LeaveCard); err != nil {
		return scardStatus(err)
	}
	return nil
}

// scardStatus converts a scard error into a Status. Errors that are not
// subsystem codes are returned unchanged.
func scardStatus(err error) error {
	var se scard.Error
	if errors.As(err, &se) {
		return Status(se)
	}
	return err
}
