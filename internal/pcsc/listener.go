package pcsc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

const (
	// DefaultPollTimeout bounds each wait so the loop can notice a stop
	// request even where the cancel primitive is unreliable.
	DefaultPollTimeout = time.Second
	// DefaultErrorBackoff is the pause after a transient failure.
	DefaultErrorBackoff = 500 * time.Millisecond
	// DefaultDebounceDelay is the pause after a UID is reported, before the
	// reader state is reset.
	DefaultDebounceDelay = 1500 * time.Millisecond
)

// ListenerOptions tunes the presence loop timing. Zero values use the defaults.
type ListenerOptions struct {
	PollTimeout   time.Duration
	ErrorBackoff  time.Duration
	DebounceDelay time.Duration
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	if o.DebounceDelay <= 0 {
		o.DebounceDelay = DefaultDebounceDelay
	}
	return o
}

type eventKind int

const (
	eventUID eventKind = iota
	eventError
)

type event struct {
	kind  eventKind
	value string
}

// listener runs the presence loop for one reader. The worker goroutine owns
// the events channel and closes it on exit; the dispatcher goroutine drains it
// and invokes the callbacks.
type listener struct {
	reader  string
	ctx     Context
	opts    ListenerOptions
	onUID   func(string)
	onError func(string)

	running  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once

	events       chan event
	workerDone   chan struct{}
	dispatchDone chan struct{}
}

func newListener(ctx Context, reader string, onUID, onError func(string), opts ListenerOptions) *listener {
	return &listener{
		reader:       reader,
		ctx:          ctx,
		opts:         opts.withDefaults(),
		onUID:        onUID,
		onError:      onError,
		quit:         make(chan struct{}),
		events:       make(chan event, 1),
		workerDone:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
}

func (l *listener) start() {
	l.running.Store(true)
	go l.dispatch()
	go l.run()
}

// stop requests the loop to end, unblocks a pending wait and returns once
// both goroutines have exited. It is safe after the worker stopped itself.
func (l *listener) stop() {
	l.running.Store(false)
	l.quitOnce.Do(func() { close(l.quit) })

	if err := l.ctx.Cancel(); err != nil {
		if st := StatusOf(err); st != StatusInvalidHandle {
			logging.Warn(logging.CatListener, "SCardCancel failed", map[string]any{
				"error": StatusText(st),
			})
		}
	}

	<-l.workerDone
	<-l.dispatchDone
}

// reap waits for a listener that stopped itself. quit stays open so a fatal
// error still being handed to the dispatcher is delivered.
func (l *listener) reap() {
	<-l.workerDone
	<-l.dispatchDone
}

func (l *listener) run() {
	defer close(l.workerDone)
	defer close(l.events)
	defer logging.RecoverAndLogFunc("card listener", false, func(r interface{}, _ string) {
		l.running.Store(false)
		l.emit(eventError, fmt.Sprintf("Critical Error: listener stopped after an internal failure: %v", r))
	})
	// Runs first: every exit from the loop clears the flag.
	defer l.running.Store(false)

	logging.Info(logging.CatListener, "Listening for cards", map[string]any{
		"reader": l.reader,
	})

	states := []ReaderState{{Reader: l.reader, CurrentState: StateUnaware}}

loop:
	for l.running.Load() {
		err := l.ctx.GetStatusChange(states, l.opts.PollTimeout)

		if !l.running.Load() {
			break
		}

		st := StatusOf(err)
		switch classify(st) {
		case classCancelled:
			logging.Info(logging.CatListener, "Status wait cancelled", map[string]any{
				"reader": l.reader,
			})
			break loop
		case classTimeout:
			continue
		case classReaderGone:
			logging.Error(logging.CatListener, "Reader unavailable or service stopped", map[string]any{
				"reader": l.reader,
				"error":  StatusText(st),
			})
			l.fail(st, fmt.Sprintf("Error: Reader '%s' unavailable or PC/SC service stopped. %s", l.reader, StatusText(st)))
			break loop
		case classInvalidHandle:
			logging.Error(logging.CatListener, "PC/SC context became invalid", map[string]any{
				"reader": l.reader,
			})
			l.fail(st, "Critical Error: PC/SC context became invalid. Restart might be required.")
			break loop
		case classTransient:
			logging.Error(logging.CatListener, "SCardGetStatusChange failed", map[string]any{
				"reader": l.reader,
				"error":  StatusText(st),
			})
			l.sleep(l.opts.ErrorBackoff)
			continue
		}

		eventState := states[0].EventState
		if eventState&StateChanged == 0 {
			continue
		}
		states[0].CurrentState = eventState

		if eventState&StatePresent != 0 && eventState&StateMute == 0 {
			logging.Info(logging.CatCard, "Card detected", map[string]any{
				"reader": l.reader,
			})
			if l.readUID() {
				l.sleep(l.opts.DebounceDelay)
				states[0].CurrentState = StateUnaware
			}
		} else if eventState&StateEmpty != 0 {
			logging.Info(logging.CatCard, "Card removed", map[string]any{
				"reader": l.reader,
			})
		}
	}

	logging.Info(logging.CatListener, "Listener stopped", map[string]any{
		"reader": l.reader,
	})
}

// readUID connects to the present card and reports its UID. It returns true
// when a UID was delivered.
func (l *listener) readUID() bool {
	sess, err := OpenSession(l.ctx, l.reader)
	if err != nil {
		st := StatusOf(err)
		logging.Error(logging.CatCard, "Failed to connect to card", map[string]any{
			"reader": l.reader,
			"error":  StatusText(st),
		})
		l.emit(eventError, "Error: Failed to connect to card. "+StatusText(st))
		l.sleep(l.opts.ErrorBackoff)
		return false
	}
	defer sess.Close()

	rsp, err := sess.Transmit(getUIDCommand)
	if err != nil {
		st := StatusOf(err)
		logging.Error(logging.CatCard, "Failed to get UID", map[string]any{
			"reader": l.reader,
			"error":  StatusText(st),
		})
		l.emit(eventError, "Error: Failed to read UID from card. "+StatusText(st))
		return false
	}

	uid, ok := FormatUID(rsp)
	if !ok {
		logging.Warn(logging.CatCard, "GET UID succeeded but returned no UID bytes", map[string]any{
			"reader": l.reader,
			"length": len(rsp),
		})
		return false
	}

	logging.Info(logging.CatCard, "Card UID read", map[string]any{
		"reader":   l.reader,
		"uid":      uid,
		"protocol": sess.Protocol().String(),
	})
	l.emit(eventUID, uid)
	return true
}

// fail reports a fatal condition once and stops the loop.
func (l *listener) fail(st Status, msg string) {
	l.running.Store(false)
	logging.CaptureError(&Error{Kind: ErrReaderUnavailable, Msg: msg}, "card listener", map[string]interface{}{
		"reader": l.reader,
		"status": fmt.Sprintf("0x%X", uint32(st)),
	})
	l.emit(eventError, msg)
}

// emit hands an event to the dispatcher. It gives up if the listener is
// being stopped.
func (l *listener) emit(kind eventKind, value string) {
	select {
	case l.events <- event{kind: kind, value: value}:
	case <-l.quit:
	}
}

// sleep waits for d or until stop is requested.
func (l *listener) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.quit:
	}
}

func (l *listener) dispatch() {
	defer close(l.dispatchDone)
	for ev := range l.events {
		l.deliver(ev)
	}
}

func (l *listener) deliver(ev event) {
	defer logging.RecoverAndLog("listener callback", false)
	switch ev.kind {
	case eventUID:
		l.onUID(ev.value)
	case eventError:
		l.onError(ev.value)
	}
}
