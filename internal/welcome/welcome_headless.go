//go:build !darwin && !windows

package welcome

// ShowWelcome is a no-op without a desktop tray.
func ShowWelcome(statusURL string) {}

// ShowAbout is a no-op without a desktop tray.
func ShowAbout(version, statusURL string) {}

// PromptAutostart is a no-op without a desktop tray; install the autostart entry with
// "pcsc-agent install" instead.
func PromptAutostart() bool {
	return false
}

// PromptCrashReporting is a no-op without a desktop tray.
func PromptCrashReporting() bool {
	return false
}
