//go:build darwin

package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

const launchAgentLabel = "com.simplyprint.pcsc-agent"

// The agent owns a menu bar item, so it runs as an interactive process in
// the user's GUI session.
const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.ExecutablePath}}</string>
		<string>serve</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>ProcessType</key>
	<string>Interactive</string>
	<key>ThrottleInterval</key>
	<integer>10</integer>
	<key>StandardOutPath</key>
	<string>{{.LogPath}}/pcsc-agent.log</string>
	<key>StandardErrorPath</key>
	<string>{{.LogPath}}/pcsc-agent.err</string>
	<key>WorkingDirectory</key>
	<string>{{.WorkingDir}}</string>
</dict>
</plist>
`

type launchAgent struct {
	home string
}

// New returns the LaunchAgent manager for the current user.
func New() Service {
	home, _ := os.UserHomeDir()
	return &launchAgent{home: home}
}

func (s *launchAgent) plistPath() string {
	return filepath.Join(s.home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

// domain is the launchd GUI domain of the current user.
func (s *launchAgent) domain() string {
	return "gui/" + strconv.Itoa(os.Getuid())
}

func launchctl(args ...string) (string, error) {
	out, err := exec.Command("launchctl", args...).CombinedOutput()
	return string(bytes.TrimSpace(out)), err
}

func (s *launchAgent) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}

	logDir := logging.CrashLogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	err = writeTemplate(s.plistPath(), plistTemplate, templateData{
		Label:          launchAgentLabel,
		ExecutablePath: execPath,
		LogPath:        logDir,
		WorkingDir:     filepath.Dir(execPath),
	})
	if err != nil {
		return err
	}

	if out, err := launchctl("bootstrap", s.domain(), s.plistPath()); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", out, err)
	}
	return nil
}

func (s *launchAgent) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Fails when the agent is not loaded, which is fine here.
	_, _ = launchctl("bootout", s.domain()+"/"+launchAgentLabel)

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove launch agent: %w", err)
	}
	return nil
}

func (s *launchAgent) IsInstalled() bool {
	_, err := os.Stat(s.plistPath())
	return err == nil
}

func (s *launchAgent) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}

	out, err := launchctl("print", s.domain()+"/"+launchAgentLabel)
	if err != nil {
		return "installed but not loaded", nil
	}
	if strings.Contains(out, "state = running") {
		return "running", nil
	}
	return "installed but not running", nil
}
