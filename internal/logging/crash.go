package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MaxCrashLogs is how many crash logs are kept.
	MaxCrashLogs = 20
	// CrashLogMaxAge is when a crash log is removed regardless of count.
	CrashLogMaxAge = 30 * 24 * time.Hour

	crashPrefix = "crash_"
	crashSuffix = ".log"

	// crashLogTail is how many recent log entries a crash report includes.
	crashLogTail = 20
)

var (
	crashDirMu       sync.RWMutex
	crashDirOverride string
)

// SetCrashLogDir redirects crash logs to dir. An empty dir restores the
// platform default.
func SetCrashLogDir(dir string) {
	crashDirMu.Lock()
	crashDirOverride = dir
	crashDirMu.Unlock()
}

// CrashLogDir returns where crash logs are written on this platform.
func CrashLogDir() string {
	crashDirMu.RLock()
	override := crashDirOverride
	crashDirMu.RUnlock()
	if override != "" {
		return override
	}

	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "PCSC-Agent")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData, _ = os.UserHomeDir()
		}
		return filepath.Join(appData, "PCSC-Agent", "logs")
	default:
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, "pcsc-agent", "crashes")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "state", "pcsc-agent", "crashes")
	}
}

// CrashLogInfo describes a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// WriteCrashLog writes a crash report for panicValue and returns its path.
// Old reports are pruned in the background.
func WriteCrashLog(panicValue interface{}, stack []byte) (string, error) {
	return writeCrashReport("", panicValue, stack)
}

func writeCrashReport(where string, panicValue interface{}, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s%s_%09d%s", crashPrefix, now.Format("2006-01-02_15-04-05"), now.Nanosecond(), crashSuffix)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, []byte(renderCrashReport(now, where, panicValue, stack)), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	go cleanupOldCrashLogs()

	return path, nil
}

func renderCrashReport(now time.Time, where string, panicValue interface{}, stack []byte) string {
	var b strings.Builder

	b.WriteString("PC/SC Agent Crash Report\n")
	b.WriteString("========================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Goroutines: %d\n", runtime.NumGoroutine())
	if where != "" {
		fmt.Fprintf(&b, "Context: %s\n", where)
	}

	fmt.Fprintf(&b, "\nPanic Value:\n%v\n", panicValue)
	fmt.Fprintf(&b, "\nStack Trace:\n%s\n", stack)

	b.WriteString("\nRecent Log:\n")
	entries := Get().GetEntries(crashLogTail, nil, nil)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(&b, "%s %-5s [%s] %s", e.Timestamp.Format("15:04:05.000"), e.Level, e.Category, e.Message)
		if data := scrubData(e.Data); len(data) > 0 {
			fmt.Fprintf(&b, " %v", data)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nBuild Info:\n")
	if info, ok := debug.ReadBuildInfo(); ok {
		b.WriteString(info.String())
	} else {
		b.WriteString("Build info not available\n")
	}

	return b.String()
}

// RecoverAndLog recovers a panic and reports it. With rePanic set the panic
// continues after logging.
//
//	defer logging.RecoverAndLog("context", true)
func RecoverAndLog(context string, rePanic bool) {
	if r := recover(); r != nil {
		reportPanic(context, r)
		if rePanic {
			panic(r)
		}
	}
}

// RecoverAndLogFunc is like RecoverAndLog but hands the panic and crash file
// to onPanic first. The listener uses it to surface worker panics through its
// error callback.
func RecoverAndLogFunc(context string, rePanic bool, onPanic func(panicValue interface{}, crashFile string)) {
	if r := recover(); r != nil {
		crashFile := reportPanic(context, r)
		if onPanic != nil {
			onPanic(r, crashFile)
		}
		if rePanic {
			panic(r)
		}
	}
}

// reportPanic sends a recovered panic to Sentry, the in-memory log, a crash
// file and stderr. It returns the crash file path, or "" if writing failed.
func reportPanic(context string, r interface{}) string {
	stack := debug.Stack()

	CapturePanic(r, stack, context)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := writeCrashReport(context, r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, stack)
	return crashFile
}

// listCrashLogs returns the crash logs in dir, newest first. A missing dir
// yields no logs.
func listCrashLogs(dir string) ([]CrashLogInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !isCrashLog(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	// Names embed the timestamp.
	sort.Slice(logs, func(i, j int) bool { return logs[i].Name > logs[j].Name })
	return logs, nil
}

// GetCrashLogs returns up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	logs, err := listCrashLogs(CrashLogDir())
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// ReadCrashLog returns the contents of the named crash log. Only bare file
// names inside the crash directory are accepted.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid crash log name %q", filename)
	}

	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func cleanupOldCrashLogs() {
	cleanupCrashLogsIn(CrashLogDir())
}

// cleanupCrashLogsIn keeps the newest MaxCrashLogs files in dir and removes
// any older than CrashLogMaxAge.
func cleanupCrashLogsIn(dir string) {
	logs, err := listCrashLogs(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-CrashLogMaxAge)
	for i, l := range logs {
		if i >= MaxCrashLogs || l.ModTime.Before(cutoff) {
			_ = os.Remove(l.Path)
		}
	}
}
