package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool   `json:"crashReporting"`          // Whether to send crash reports to Sentry
	DefaultReader  string `json:"defaultReader,omitempty"` // Reader used when none is given
	AutoListen     bool   `json:"autoListen"`              // Start listening on DefaultReader at launch
}

var (
	current      *Settings
	mu           sync.RWMutex
	pathOverride string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// SetPath stores settings at path instead of the user config directory and
// drops the cached copy. An empty path restores the default location.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
	current = nil
}

// getSettingsPath returns the path to the settings file.
func getSettingsPath() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "pcsc-agent", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if file doesn't exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	path, err := getSettingsPath()
	if err != nil {
		current = DefaultSettings()
		return current.clone(), err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		current = DefaultSettings()
		if os.IsNotExist(err) {
			return current.clone(), nil
		}
		return current.clone(), err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		current = DefaultSettings()
		return current.clone(), err
	}

	current = s
	return current.clone(), nil
}

// save writes current to disk. Callers hold mu.
func save() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := getSettingsPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() *Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return current.clone()
	}
	mu.RUnlock()

	// Not loaded yet, load now
	s, _ := Load()
	return s
}

// Update applies fn to the current settings and saves the result.
func Update(fn func(s *Settings)) (*Settings, error) {
	Get() // load from disk first so unrelated fields survive

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	fn(current)
	return current.clone(), save()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	_, err := Update(func(s *Settings) { s.CrashReporting = enabled })
	return err
}

// SetDefaultReader remembers the reader to listen on by default.
func SetDefaultReader(reader string, autoListen bool) error {
	_, err := Update(func(s *Settings) {
		s.DefaultReader = reader
		s.AutoListen = autoListen
	})
	return err
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

func (s *Settings) clone() *Settings {
	c := *s
	return &c
}
