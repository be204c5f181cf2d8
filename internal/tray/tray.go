//go:build darwin || windows

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/SimplyPrint/pcsc-agent/internal/api"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/welcome"
)

const refreshInterval = 5 * time.Second

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	readers    Readers
	onQuit     func()
	quit       chan struct{}
	quitOnce   sync.Once
	mu         sync.Mutex

	// Menu items for updating
	mStatus    *systray.MenuItem
	mReaders   *systray.MenuItem
	mListening *systray.MenuItem
	mStop      *systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr string, readers Readers, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		readers:    readers,
		onQuit:     onQuit,
		quit:       make(chan struct{}),
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray, which ends RunWithServer.
func (t *TrayApp) Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("PC/SC Agent")

	mVersion := systray.AddMenuItem("PC/SC Agent "+displayVersion(api.Version), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()
	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected smart card readers")
	t.mReaders.Disable()
	t.mListening = systray.AddMenuItem("Not listening", "Reader watched for cards")
	t.mListening.Disable()
	t.mStop = systray.AddMenuItem("Stop listening", "Stop watching the reader")
	t.mStop.Disable()

	systray.AddSeparator()

	mOpenUI := systray.AddMenuItem("Open Status Page", "Open health status in browser")
	mAbout := systray.AddMenuItem("About", "About PC/SC Agent")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit PC/SC Agent")

	go t.refreshLoop()

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-mOpenUI.ClickedCh:
				t.openBrowser(t.statusURL())
			case <-mAbout.ClickedCh:
				go welcome.ShowAbout(api.Version, t.statusURL())
			case <-t.mStop.ClickedCh:
				if err := t.readers.StopListening(); err != nil {
					logging.Warn(logging.CatListener, "Failed to stop listener from tray", map[string]any{
						"error": err.Error(),
					})
				}
				t.updateStatus()
			case <-mQuit.ClickedCh:
				systray.Quit()
			case <-t.quit:
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	t.quitOnce.Do(func() { close(t.quit) })
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) statusURL() string {
	return fmt.Sprintf("http://%s/v1/health", t.serverAddr)
}

func (t *TrayApp) refreshLoop() {
	defer logging.RecoverAndLog("tray refresh", false)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	t.updateStatus()
	for {
		select {
		case <-ticker.C:
			t.updateStatus()
		case <-t.quit:
			return
		}
	}
}

// updateStatus refreshes the status display in the tray menu
func (t *TrayApp) updateStatus() {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := snapshot(t.readers)
	t.mStatus.SetTitle(s.status)
	t.mReaders.SetTitle(s.readers)
	t.mListening.SetTitle(s.listening)
	if s.active {
		t.mStop.Enable()
	} else {
		t.mStop.Disable()
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
