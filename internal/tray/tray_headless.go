//go:build !darwin && !windows

package tray

import "sync"

// TrayApp is a headless stand-in; these platforms run as a background service.
type TrayApp struct {
	onQuit   func()
	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a new TrayApp instance
func New(serverAddr string, readers Readers, onQuit func()) *TrayApp {
	return &TrayApp{onQuit: onQuit, quit: make(chan struct{})}
}

// RunWithServer runs serverStart and blocks until Quit.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		go serverStart()
	}
	<-t.quit
	if t.onQuit != nil {
		t.onQuit()
	}
}

// Quit ends RunWithServer.
func (t *TrayApp) Quit() {
	t.quitOnce.Do(func() { close(t.quit) })
}

// IsSupported returns false; there is no system tray on this platform.
func IsSupported() bool {
	return false
}
