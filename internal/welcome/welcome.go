package welcome

import (
	"fmt"
	"os"
	"path/filepath"
)

const markerName = ".welcome-shown"

// markerDir overrides the marker location in tests.
var markerDir string

func markerPath() string {
	dir := markerDir
	if dir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(configDir, "pcsc-agent")
	}
	return filepath.Join(dir, markerName)
}

// IsFirstRun reports whether the welcome dialog has not been shown yet.
func IsFirstRun() bool {
	path := markerPath()
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// MarkAsShown records that the welcome dialog was shown.
func MarkAsShown() error {
	path := markerPath()
	if path == "" {
		return fmt.Errorf("no config directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}

func welcomeMessage(statusURL string) string {
	return fmt.Sprintf(`PC/SC Agent is now running!

It watches your smart card readers and lets local applications read card UIDs and exchange APDUs.

Status: %s

Use the tray icon to check status, stop listening or quit.`, statusURL)
}

func aboutMessage(version, statusURL string) string {
	return fmt.Sprintf(`PC/SC Agent

A background service that bridges PC/SC smart card readers to local applications over HTTP and WebSocket.

Status: %s
Version: %s`, statusURL, version)
}

const autostartPromptMessage = `Would you like PC/SC Agent to start automatically when you log in?

You can change this later with "pcsc-agent uninstall".`

const crashReportingPromptMessage = `Send anonymous crash reports to help fix bugs in PC/SC Agent?

Reports contain diagnostic information only. You can change this later in the settings.`
