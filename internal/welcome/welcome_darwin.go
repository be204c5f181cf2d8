//go:build darwin

package welcome

import (
	"os/exec"
	"strconv"
	"strings"
)

const dialogTitle = "PC/SC Agent"

// ShowWelcome displays a native welcome dialog on macOS
func ShowWelcome(statusURL string) {
	dialog(dialogTitle, welcomeMessage(statusURL), `{"Got it!"}`, 1)
}

// ShowAbout displays a native about dialog on macOS
func ShowAbout(version, statusURL string) {
	dialog("About "+dialogTitle, aboutMessage(version, statusURL), `{"OK"}`, 1)
}

// PromptAutostart asks whether to start the agent at login.
// Returns true if the user clicked "Yes".
func PromptAutostart() bool {
	return ask(autostartPromptMessage)
}

// PromptCrashReporting asks whether to enable crash reporting.
// Returns true if the user clicked "Yes".
func PromptCrashReporting() bool {
	return ask(crashReportingPromptMessage)
}

func ask(message string) bool {
	out, err := dialog(dialogTitle, message, `{"No", "Yes"}`, 2)
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Yes")
}

func dialog(title, message, buttons string, defaultButton int) ([]byte, error) {
	script := `display dialog "` + escapeAppleScript(message) + `" with title "` + title +
		`" buttons ` + buttons + ` default button ` + strconv.Itoa(defaultButton) + ` with icon note`
	return exec.Command("osascript", "-e", script).Output()
}

func escapeAppleScript(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
