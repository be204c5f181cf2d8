// Package service installs the agent as a per-user login item.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const appName = "pcsc-agent"

var (
	ErrAlreadyInstalled = errors.New("auto-start is already installed")
	ErrNotInstalled     = errors.New("auto-start is not installed")
)

// Service manages the platform auto-start entry for the current user.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

type templateData struct {
	Label          string
	ExecutablePath string
	LogPath        string
	WorkingDir     string
}

// writeTemplate renders text with data into path, creating parent directories.
func writeTemplate(path, text string, data templateData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	tmpl, err := template.New(filepath.Base(path)).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// executablePath returns the running binary with symlinks resolved.
func executablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}
