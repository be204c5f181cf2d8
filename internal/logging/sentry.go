package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	envSentry      = "PCSC_AGENT_SENTRY"
	envSentryDSN   = "PCSC_AGENT_SENTRY_DSN"
	envEnvironment = "PCSC_AGENT_ENVIRONMENT"

	// breadcrumbCount is how many recent log entries travel with a report.
	breadcrumbCount = 30
)

// Keys never forwarded in breadcrumbs. Card UIDs identify people.
var scrubbedKeys = map[string]bool{
	"uid":   true,
	"stack": true,
}

var (
	hubMu sync.RWMutex
	hub   *sentry.Hub
)

func currentHub() *sentry.Hub {
	hubMu.RLock()
	defer hubMu.RUnlock()
	return hub
}

// reportingWanted resolves the crash reporting switch. PCSC_AGENT_SENTRY=1 or
// PCSC_AGENT_SENTRY=0 overrides the saved preference.
func reportingWanted(preference bool) bool {
	switch os.Getenv(envSentry) {
	case "1":
		return true
	case "0":
		return false
	}
	return preference
}

// InitSentry starts crash reporting when the user opted in and
// PCSC_AGENT_SENTRY_DSN names a project. It reports whether events will be
// sent.
func InitSentry(version string, crashReportingEnabled bool) bool {
	if !reportingWanted(crashReportingEnabled) {
		return false
	}

	dsn := os.Getenv(envSentryDSN)
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled but "+envSentryDSN+" is not set", nil)
		return false
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "pcsc-agent@" + version,
		Environment:      getEnvironment(),
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		Warn(CatSystem, "Failed to initialize crash reporting", map[string]any{
			"error": err.Error(),
		})
		return false
	}

	hubMu.Lock()
	hub = sentry.NewHub(client, sentry.NewScope())
	hubMu.Unlock()

	Info(CatSystem, "Crash reporting enabled", map[string]any{
		"environment": getEnvironment(),
	})
	return true
}

func getEnvironment() string {
	if env := os.Getenv(envEnvironment); env != "" {
		return env
	}
	return "production"
}

// scrubEvent drops the machine name before an event leaves the host.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.ServerName = ""
	return event
}

// SentryEnabled returns whether crash reports are being sent.
func SentryEnabled() bool {
	return currentHub() != nil
}

// FlushSentry waits up to timeout for queued events. Call it before exit.
func FlushSentry(timeout time.Duration) {
	if h := currentHub(); h != nil {
		h.Flush(timeout)
	}
}

// capture runs send inside a fresh scope carrying level, tags, extra data and
// the most recent log entries.
func capture(level sentry.Level, tags map[string]string, data map[string]any, send func(h *sentry.Hub)) {
	h := currentHub()
	if h == nil {
		return
	}

	h.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range data {
			if !scrubbedKeys[k] {
				scope.SetExtra(k, v)
			}
		}
		addBreadcrumbs(scope)
		send(h)
	})
}

func addBreadcrumbs(scope *sentry.Scope) {
	entries := Get().GetEntries(breadcrumbCount, nil, nil)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		scope.AddBreadcrumb(&sentry.Breadcrumb{
			Category:  string(e.Category),
			Message:   e.Message,
			Level:     breadcrumbLevel(e.Level),
			Timestamp: e.Timestamp,
			Data:      scrubData(e.Data),
		}, breadcrumbCount)
	}
}

func breadcrumbLevel(l Level) sentry.Level {
	switch l {
	case LevelDebug:
		return sentry.LevelDebug
	case LevelInfo:
		return sentry.LevelInfo
	case LevelWarn:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

func scrubData(data map[string]any) map[string]any {
	var out map[string]any
	for k, v := range data {
		if scrubbedKeys[k] {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(data))
		}
		out[k] = v
	}
	return out
}

// CapturePanic reports a recovered panic and flushes right away, since the
// process may be about to exit.
func CapturePanic(panicValue interface{}, stack []byte, context string) {
	h := currentHub()
	if h == nil {
		return
	}

	capture(sentry.LevelFatal, map[string]string{"panic_context": context},
		map[string]any{"stack_trace": string(stack)},
		func(h *sentry.Hub) {
			if err, ok := panicValue.(error); ok {
				h.CaptureException(err)
				return
			}
			h.CaptureMessage(fmt.Sprintf("%v", panicValue))
		})

	h.Flush(2 * time.Second)
}

// CaptureError reports err with the component it came from.
func CaptureError(err error, context string, data map[string]interface{}) {
	if err == nil {
		return
	}
	capture(sentry.LevelError, map[string]string{"error_context": context}, data,
		func(h *sentry.Hub) { h.CaptureException(err) })
}

// CaptureMessage reports a message at level.
func CaptureMessage(message string, level sentry.Level, data map[string]interface{}) {
	capture(level, nil, data, func(h *sentry.Hub) { h.CaptureMessage(message) })
}
