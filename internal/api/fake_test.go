package api

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/SimplyPrint/pcsc-agent/internal/history"
	"github.com/SimplyPrint/pcsc-agent/internal/pcsc"
)

// fakeReaders implements ReaderService for testing.
type fakeReaders struct {
	mu          sync.Mutex
	readers     []pcsc.Reader
	listErr     error
	responses   map[string][]byte // reader name -> response
	transmitErr error
	startErr    error
	listening   string
	onUID       func(string)
	onError     func(string)
}

func newFakeReaders() *fakeReaders {
	return &fakeReaders{
		readers: []pcsc.Reader{
			{ID: "reader-0", Name: "ACS ACR122U PICC Interface", Type: "picc"},
			{ID: "reader-1", Name: "ACS ACR1252 Dual Reader SAM", Type: "sam"},
		},
		responses: map[string][]byte{
			"ACS ACR122U PICC Interface": {0x04, 0xA1, 0xB2, 0x90, 0x00},
		},
	}
}

func (f *fakeReaders) DescribeReaders() ([]pcsc.Reader, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.readers, nil
}

func (f *fakeReaders) Transmit(ctx context.Context, reader string, apdu []byte) ([]byte, error) {
	if f.transmitErr != nil {
		return nil, f.transmitErr
	}
	rsp, ok := f.responses[reader]
	if !ok {
		return nil, &pcsc.Error{Kind: pcsc.ErrConnect, Msg: "Failed to connect to card in reader: " + reader, Status: pcsc.StatusNoSmartcard}
	}
	return rsp, nil
}

func (f *fakeReaders) StartListening(reader string, onUID, onError func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.listening != "" {
		return &pcsc.Error{Kind: pcsc.ErrAlreadyActive, Msg: "Listener is already active. Call StopListening first."}
	}
	f.listening = reader
	f.onUID = onUID
	f.onError = onError
	return nil
}

func (f *fakeReaders) StopListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = ""
	f.onUID = nil
	f.onError = nil
	return nil
}

func (f *fakeReaders) Listening() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening, f.listening != ""
}

func (f *fakeReaders) Established() bool {
	return f.listErr == nil
}

// emitUID invokes the registered UID callback like the listener would.
func (f *fakeReaders) emitUID(uid string) {
	f.mu.Lock()
	cb := f.onUID
	f.mu.Unlock()
	if cb != nil {
		cb(uid)
	}
}

func (f *fakeReaders) emitError(msg string) {
	f.mu.Lock()
	cb := f.onError
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func newTestServer(t *testing.T, readers *fakeReaders, opts ...ServerOption) *Server {
	t.Helper()
	s := NewServer(readers, opts...)
	t.Cleanup(s.Close)
	return s
}

func newMemoryHistory(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(history.Memory, 0)
	if err != nil {
		t.Fatalf("failed to open history: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
