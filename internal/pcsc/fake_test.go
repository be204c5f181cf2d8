package pcsc

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// fakeWait is one scripted GetStatusChange outcome. With err nil, state is
// written to the first reader's EventState.
type fakeWait struct {
	err   error
	state StateFlag
}

// fakeContext implements Context for testing. Status waits consume scripted
// results from waits, otherwise they block until the timeout or Cancel.
type fakeContext struct {
	mu         sync.Mutex
	readers    []string
	listErr    error
	cards      map[string]*fakeCard
	connectErr map[string]error
	cancelErr  error
	releaseErr error

	waits   chan fakeWait
	pending chan struct{}

	connects     int
	cancels      int
	releases     int
	waitCalls    int
	seenCurrents []StateFlag
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		readers: []string{
			"ACS ACR122U PICC Interface",
			"ACS ACR1252 Dual Reader SAM",
		},
		cards:      make(map[string]*fakeCard),
		connectErr: make(map[string]error),
		waits:      make(chan fakeWait, 64),
	}
}

func (f *fakeContext) withReaders(readers ...string) *fakeContext {
	f.readers = readers
	return f
}

func (f *fakeContext) withListError(err error) *fakeContext {
	f.listErr = err
	return f
}

func (f *fakeContext) withCard(reader string, card *fakeCard) *fakeContext {
	f.mu.Lock()
	f.cards[reader] = card
	f.mu.Unlock()
	return f
}

func (f *fakeContext) withConnectError(reader string, err error) *fakeContext {
	f.mu.Lock()
	f.connectErr[reader] = err
	f.mu.Unlock()
	return f
}

// push queues status wait outcomes.
func (f *fakeContext) push(waits ...fakeWait) {
	for _, w := range waits {
		f.waits <- w
	}
}

func (f *fakeContext) ListReaders() ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.readers, nil
}

func (f *fakeContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	cancel := make(chan struct{})

	f.mu.Lock()
	f.waitCalls++
	if len(states) > 0 {
		f.seenCurrents = append(f.seenCurrents, states[0].CurrentState)
	}
	f.pending = cancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.pending = nil
		f.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w := <-f.waits:
		if w.err != nil {
			return w.err
		}
		states[0].EventState = w.state
		return nil
	case <-cancel:
		return StatusCancelled
	case <-timer.C:
		return StatusTimeout
	}
}

// Cancel only affects a wait that is in progress, like the real service.
func (f *fakeContext) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if f.pending != nil {
		close(f.pending)
		f.pending = nil
	}
	return f.cancelErr
}

func (f *fakeContext) Connect(reader string, protocols Protocol) (Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if err, ok := f.connectErr[reader]; ok {
		return nil, err
	}
	card, ok := f.cards[reader]
	if !ok {
		return nil, StatusNoSmartcard
	}
	return card, nil
}

func (f *fakeContext) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return f.releaseErr
}

func (f *fakeContext) counts() (connects, cancels, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.cancels, f.releases
}

func (f *fakeContext) currents() []StateFlag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StateFlag(nil), f.seenCurrents...)
}

func (f *fakeContext) sawCurrent(state StateFlag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.seenCurrents {
		if s == state {
			return true
		}
	}
	return false
}

// fakeCard implements Card for testing.
type fakeCard struct {
	mu          sync.Mutex
	protocol    Protocol
	responses   map[string][]byte // command hex -> response
	fallback    []byte
	transmitErr error
	block       chan struct{}

	lastFraming Protocol
	lastRecvCap int
	transmits   int
	disconnects int
}

func newFakeCard(protocol Protocol) *fakeCard {
	return &fakeCard{
		protocol:  protocol,
		responses: make(map[string][]byte),
	}
}

// withUID answers GET UID with uid followed by 90 00.
func (c *fakeCard) withUID(uidHex string) *fakeCard {
	uid, _ := hex.DecodeString(uidHex)
	c.responses[hex.EncodeToString(getUIDCommand)] = append(uid, 0x90, 0x00)
	return c
}

func (c *fakeCard) withResponse(cmdHex string, rsp []byte) *fakeCard {
	c.responses[cmdHex] = rsp
	return c
}

func (c *fakeCard) withTransmitError(err error) *fakeCard {
	c.transmitErr = err
	return c
}

// withBlock makes Transmit wait until the returned channel is closed.
func (c *fakeCard) withBlock() chan struct{} {
	c.block = make(chan struct{})
	return c.block
}

func (c *fakeCard) ActiveProtocol() Protocol {
	return c.protocol
}

func (c *fakeCard) Transmit(proto Protocol, cmd []byte, recv []byte) (int, error) {
	if c.block != nil {
		<-c.block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmits++
	c.lastFraming = proto
	c.lastRecvCap = len(recv)

	if c.transmitErr != nil {
		return 0, c.transmitErr
	}
	rsp, ok := c.responses[hex.EncodeToString(cmd)]
	if !ok {
		rsp = c.fallback
	}
	if rsp == nil {
		return 0, errors.New("unexpected command")
	}
	if len(rsp) > len(recv) {
		return 0, StatusInsufficientBuffer
	}
	return copy(recv, rsp), nil
}

func (c *fakeCard) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeCard) stats() (transmits, disconnects int, framing Protocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transmits, c.disconnects, c.lastFraming
}

// fastListener keeps loop timing short in tests.
var fastListener = ListenerOptions{
	PollTimeout:   20 * time.Millisecond,
	ErrorBackoff:  10 * time.Millisecond,
	DebounceDelay: 30 * time.Millisecond,
}

func newTestAgent(ctx *fakeContext) *Agent {
	return NewAgent(
		WithEstablish(func() (Context, error) { return ctx, nil }),
		WithListenerOptions(fastListener),
	)
}

// callbacks collects listener output.
type callbacks struct {
	uids chan string
	errs chan string
}

func newCallbacks() *callbacks {
	return &callbacks{
		uids: make(chan string, 32),
		errs: make(chan string, 32),
	}
}

func (c *callbacks) onUID(uid string)   { c.uids <- uid }
func (c *callbacks) onError(msg string) { c.errs <- msg }
