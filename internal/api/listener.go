package api

import (
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/history"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// CardUIDEvent is broadcast to WebSocket clients for every reported UID.
type CardUIDEvent struct {
	Reader string    `json:"reader"`
	UID    string    `json:"uid"`
	ID     string    `json:"id,omitempty"`
	At     time.Time `json:"at"`
}

// ListenerErrorEvent is broadcast when the listener reports an error.
type ListenerErrorEvent struct {
	Reader string `json:"reader"`
	Error  string `json:"error"`
}

// StartListening attaches the listener to reader. UIDs are recorded in the
// scan history and broadcast as card_uid events; errors as listener_error.
func (s *Server) StartListening(reader string) error {
	onUID := func(uid string) {
		ev := CardUIDEvent{Reader: reader, UID: uid, At: time.Now().UTC()}
		if s.history != nil {
			scan, err := s.history.Record(history.Scan{Reader: reader, UID: uid, At: ev.At})
			if err != nil {
				logging.Warn(logging.CatListener, "Failed to record scan", map[string]any{
					"reader": reader,
					"error":  err.Error(),
				})
			} else {
				ev.ID = scan.ID
			}
		}
		s.hub.BroadcastEvent("card_uid", ev)
	}

	onError := func(msg string) {
		s.hub.BroadcastEvent("listener_error", ListenerErrorEvent{Reader: reader, Error: msg})
	}

	if err := s.readers.StartListening(reader, onUID, onError); err != nil {
		logging.Warn(logging.CatListener, "Failed to start listener", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
		return err
	}
	return nil
}

// StopListening detaches the listener. It is a no-op when none runs.
func (s *Server) StopListening() error {
	return s.readers.StopListening()
}

// Listening reports the reader the listener is attached to, if any.
func (s *Server) Listening() (string, bool) {
	return s.readers.Listening()
}
