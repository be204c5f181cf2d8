//go:build !darwin && !windows

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// XDG Autostart desktop entry - runs as part of graphical session
	// This ensures proper polkit authorization for pcscd (recognized as "active" session)
	desktopTemplate = `[Desktop Entry]
Type=Application
Name=PC/SC Agent
Comment=Local smart card reader service for applications
Exec={{.ExecutablePath}} serve
Icon=pcsc-agent
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`

	// systemd user service for headless machines
	serviceTemplate = `[Unit]
Description=PC/SC Agent - Local smart card reader service
After=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}} serve --no-tray
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
)

type xdgService struct {
	headless bool
}

// New creates a new platform-specific service manager. Without a graphical
// session it manages a systemd user unit instead of an autostart entry.
func New() Service {
	return &xdgService{
		headless: os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "",
	}
}

func (s *xdgService) configDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return configDir
}

func (s *xdgService) autostartPath() string {
	return filepath.Join(s.configDir(), "autostart", appName+".desktop")
}

func (s *xdgService) systemdServicePath() string {
	return filepath.Join(s.configDir(), "systemd", "user", appName+".service")
}

func (s *xdgService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}

	if s.headless {
		if err := writeTemplate(s.systemdServicePath(), serviceTemplate, templateData{ExecutablePath: execPath}); err != nil {
			return err
		}
		if output, err := exec.Command("systemctl", "--user", "enable", "--now", appName+".service").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to enable systemd unit: %s: %w", strings.TrimSpace(string(output)), err)
		}
		return nil
	}

	return writeTemplate(s.autostartPath(), desktopTemplate, templateData{ExecutablePath: execPath})
}

func (s *xdgService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}
	s.removeSystemd()
	return nil
}

func (s *xdgService) removeSystemd() {
	servicePath := s.systemdServicePath()
	if _, err := os.Stat(servicePath); err == nil {
		exec.Command("systemctl", "--user", "disable", "--now", appName+".service").Run()
		os.Remove(servicePath)
		exec.Command("systemctl", "--user", "daemon-reload").Run()
	}
}

func (s *xdgService) IsInstalled() bool {
	if _, err := os.Stat(s.autostartPath()); err == nil {
		return true
	}
	if _, err := os.Stat(s.systemdServicePath()); err == nil {
		return true
	}
	return false
}

func (s *xdgService) Status() (string, error) {
	var methods []string
	if _, err := os.Stat(s.autostartPath()); err == nil {
		methods = append(methods, "autostart")
	}
	if _, err := os.Stat(s.systemdServicePath()); err == nil {
		methods = append(methods, "systemd")
	}

	if len(methods) == 0 {
		return "not installed", nil
	}

	if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
		return fmt.Sprintf("running (%s)", strings.Join(methods, ", ")), nil
	}
	return fmt.Sprintf("installed (%s) but not running", strings.Join(methods, ", ")), nil
}
