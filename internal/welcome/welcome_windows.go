//go:build windows

package welcome

import (
	"golang.org/x/sys/windows"
)

const dialogTitle = "PC/SC Agent"

// idYes is what MessageBox returns for the "Yes" button.
const idYes = 6

// ShowWelcome displays a native welcome dialog on Windows
func ShowWelcome(statusURL string) {
	messageBox(dialogTitle, welcomeMessage(statusURL), windows.MB_OK|windows.MB_ICONINFORMATION)
}

// ShowAbout displays a native about dialog on Windows
func ShowAbout(version, statusURL string) {
	messageBox("About "+dialogTitle, aboutMessage(version, statusURL), windows.MB_OK|windows.MB_ICONINFORMATION)
}

// PromptAutostart asks whether to start the agent at login.
// Returns true if the user clicked "Yes".
func PromptAutostart() bool {
	return messageBox(dialogTitle, autostartPromptMessage, windows.MB_YESNO|windows.MB_ICONQUESTION) == idYes
}

// PromptCrashReporting asks whether to enable crash reporting.
// Returns true if the user clicked "Yes".
func PromptCrashReporting() bool {
	return messageBox(dialogTitle, crashReportingPromptMessage, windows.MB_YESNO|windows.MB_ICONQUESTION) == idYes
}

func messageBox(title, message string, style uint32) int32 {
	titlePtr, _ := windows.UTF16PtrFromString(title)
	messagePtr, _ := windows.UTF16PtrFromString(message)
	ret, _ := windows.MessageBox(0, messagePtr, titlePtr, style)
	return ret
}
