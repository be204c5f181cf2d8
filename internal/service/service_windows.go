//go:build windows

package service

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const (
	runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`
	runValue   = "PCSCAgent"
)

type windowsService struct{}

// New creates a new platform-specific service manager. The agent is started
// at login through the per-user Run key.
func New() Service {
	return &windowsService{}
}

func (s *windowsService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}

	key, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()

	if err := key.SetStringValue(runValue, `"`+execPath+`" serve`); err != nil {
		return fmt.Errorf("failed to write Run value: %w", err)
	}
	return nil
}

func (s *windowsService) Uninstall() error {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return ErrNotInstalled
	}
	defer key.Close()

	if err := key.DeleteValue(runValue); err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return ErrNotInstalled
		}
		return fmt.Errorf("failed to remove Run value: %w", err)
	}
	return nil
}

func (s *windowsService) IsInstalled() bool {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer key.Close()

	_, _, err = key.GetStringValue(runValue)
	return err == nil
}

func (s *windowsService) Status() (string, error) {
	if s.IsInstalled() {
		return "installed (Run key)", nil
	}
	return "not installed", nil
}
