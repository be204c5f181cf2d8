package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/history"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/pcsc"
	"github.com/SimplyPrint/pcsc-agent/internal/settings"
	"github.com/SimplyPrint/pcsc-agent/internal/updater"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// DefaultTransmitTimeout bounds how long a request waits for an APDU exchange.
const DefaultTransmitTimeout = 30 * time.Second

// ReaderService is the reader functionality the API exposes. *pcsc.Agent
// implements it.
type ReaderService interface {
	DescribeReaders() ([]pcsc.Reader, error)
	Transmit(ctx context.Context, reader string, apdu []byte) ([]byte, error)
	StartListening(reader string, onUID, onError func(string)) error
	StopListening() error
	Listening() (reader string, ok bool)
	Established() bool
}

// ScanStore records UIDs reported by the listener. *history.Store implements it.
type ScanStore interface {
	Record(scan history.Scan) (history.Scan, error)
	Recent(limit int) ([]history.Scan, error)
	Clear() error
}

// UpdateChecker reports available releases. *updater.Checker implements it.
type UpdateChecker interface {
	Check(ctx context.Context, forceRefresh bool) *updater.UpdateInfo
}

// Server serves the HTTP and WebSocket API over a ReaderService.
type Server struct {
	readers         ReaderService
	history         ScanStore
	updates         UpdateChecker
	hub             *WSHub
	shutdown        func()
	transmitTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHistory records every reported UID in store.
func WithHistory(store ScanStore) ServerOption {
	return func(s *Server) {
		s.history = store
	}
}

// WithUpdateChecker enables /v1/updates.
func WithUpdateChecker(checker UpdateChecker) ServerOption {
	return func(s *Server) {
		s.updates = checker
	}
}

// WithShutdownHandler sets the callback for shutdown requests.
func WithShutdownHandler(handler func()) ServerOption {
	return func(s *Server) {
		s.shutdown = handler
	}
}

// WithTransmitTimeout overrides DefaultTransmitTimeout.
func WithTransmitTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.transmitTimeout = d
	}
}

// NewServer creates a Server and starts its WebSocket hub. Call Close to stop
// the hub.
func NewServer(readers ReaderService, opts ...ServerOption) *Server {
	s := &Server{
		readers:         readers,
		hub:             NewWSHub(),
		transmitTimeout: DefaultTransmitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.hub.Run()
	return s
}

// Close stops the hub and disconnects all WebSocket clients.
func (s *Server) Close() {
	s.hub.Stop()
}

// Handler constructs and returns the HTTP mux for the API.
func (s *Server) Handler() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(s.handleReaderRoutes)) // Note the trailing slash for sub-paths
	mux.HandleFunc("/v1/listener", corsMiddleware(s.handleListener))
	mux.HandleFunc("/v1/history", corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/updates", corsMiddleware(s.handleUpdates))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				where := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, where)

				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", where, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", where, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

// errorStatus maps agent errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, pcsc.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, pcsc.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, pcsc.ErrContextUnavailable), errors.Is(err, pcsc.ErrReaderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, pcsc.ErrConnect), errors.Is(err, pcsc.ErrTransmit):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, errorStatus(err), map[string]string{
		"error": err.Error(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

// errReaderNotFound is returned when a reader index or name does not match.
var errReaderNotFound = errors.New("reader not found")

// resolveReader picks a reader by index or, when name is set, by name.
func (s *Server) resolveReader(index *int, name string) (string, error) {
	readers, err := s.readers.DescribeReaders()
	if err != nil {
		return "", err
	}

	if name != "" {
		for _, r := range readers {
			if r.Name == name {
				return r.Name, nil
			}
		}
		return "", fmt.Errorf("%w: %q", errReaderNotFound, name)
	}

	if index == nil {
		return "", &pcsc.Error{Kind: pcsc.ErrInvalidArguments, Msg: "reader or readerIndex is required"}
	}
	if len(readers) == 0 {
		return "", fmt.Errorf("%w: no readers found", errReaderNotFound)
	}
	if *index < 0 || *index >= len(readers) {
		return "", fmt.Errorf("%w: reader index out of range", errReaderNotFound)
	}
	return readers[*index].Name, nil
}

func respondReaderError(w http.ResponseWriter, err error) {
	if errors.Is(err, errReaderNotFound) {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
		return
	}
	respondError(w, err)
}

// parseAPDU decodes a hex APDU, ignoring spaces and colons.
func parseAPDU(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "").Replace(s)
	apdu, err := hex.DecodeString(clean)
	if err != nil {
		return nil, &pcsc.Error{Kind: pcsc.ErrInvalidArguments, Msg: "apdu must be a hex string"}
	}
	if len(apdu) == 0 {
		return nil, &pcsc.Error{Kind: pcsc.ErrInvalidArguments, Msg: "apdu must not be empty"}
	}
	return apdu, nil
}

func encodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := s.readers.DescribeReaders()
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, readers)
}

func (s *Server) handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})
		return
	}

	readerIndex, err := strconv.Atoi(parts[2])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reader index",
		})
		return
	}

	if len(parts) < 4 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing endpoint (e.g., /transmit)",
		})
		return
	}

	switch parts[3] {
	case "transmit":
		s.handleTransmit(w, r, readerIndex)
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown endpoint",
		})
	}
}

func (s *Server) handleTransmit(w http.ResponseWriter, r *http.Request, readerIndex int) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		APDU string `json:"apdu"` // Command APDU as hex
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	apdu, err := parseAPDU(req.APDU)
	if err != nil {
		respondError(w, err)
		return
	}

	reader, err := s.resolveReader(&readerIndex, "")
	if err != nil {
		respondReaderError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.transmitTimeout)
	defer cancel()

	rsp, err := s.readers.Transmit(ctx, reader, apdu)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Transmit failed", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"reader":   reader,
		"response": encodeHex(rsp),
	})
}

func (s *Server) listenerStatus() map[string]interface{} {
	reader, active := s.readers.Listening()
	status := map[string]interface{}{
		"active": active,
	}
	if active {
		status["reader"] = reader
	}
	return status
}

func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, s.listenerStatus())

	case http.MethodPost:
		var req struct {
			ReaderIndex *int   `json:"readerIndex"`
			Reader      string `json:"reader"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
			return
		}

		reader, err := s.resolveReader(req.ReaderIndex, req.Reader)
		if err != nil {
			respondReaderError(w, err)
			return
		}

		if err := s.StartListening(reader); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, s.listenerStatus())

	case http.MethodDelete:
		if err := s.StopListening(); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, s.listenerStatus())

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "scan history is disabled",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		scans, err := s.history.Recent(limit)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to read history: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"scans": scans,
		})

	case http.MethodDelete:
		if err := s.history.Clear(); err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to clear history: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "history cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, versionInfo())
}

func versionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}
}

func (s *Server) health() map[string]interface{} {
	status := map[string]interface{}{
		"status":        "ok",
		"pcscAvailable": true,
		"readerCount":   0,
	}

	readers, err := s.readers.DescribeReaders()
	if err != nil {
		status["status"] = "degraded"
		status["pcscAvailable"] = s.readers.Established()
		status["error"] = err.Error()
	} else {
		status["readerCount"] = len(readers)
	}

	reader, active := s.readers.Listening()
	status["listening"] = active
	if active {
		status["listeningReader"] = reader
	}
	return status
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, s.health())
}

// handleUpdates checks for available updates from GitHub releases
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if s.updates == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "update checks are disabled",
		})
		return
	}

	forceRefresh := r.URL.Query().Get("refresh") == "true"
	respondJSON(w, http.StatusOK, s.updates.Check(r.Context(), forceRefresh))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.shutdown()
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			if l, ok := logging.ParseLevel(levelStr); ok {
				minLevel = &l
			}
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		entries := logging.Get().GetEntries(limit, minLevel, category)
		stats := logging.Get().Stats()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Check if requesting a specific crash log
		filename := query.Get("file")
		if filename != "" {
			content, err := logging.ReadCrashLog(filename)
			if err != nil {
				respondJSON(w, http.StatusNotFound, map[string]string{
					"error": "crash log not found: " + err.Error(),
				})
				return
			}
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"filename": filename,
				"content":  content,
			})
			return
		}

		limit := 20
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 100 {
					limit = 100
				}
			}
		}

		logs, err := logging.GetCrashLogs(limit)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to list crash logs: " + err.Error(),
			})
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashes":  logs,
			"crashDir": logging.CrashLogDir(),
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting *bool   `json:"crashReporting"`
			DefaultReader  *string `json:"defaultReader"`
			AutoListen     *bool   `json:"autoListen"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		s, err := settings.Update(func(s *settings.Settings) {
			if req.CrashReporting != nil {
				s.CrashReporting = *req.CrashReporting
			}
			if req.DefaultReader != nil {
				s.DefaultReader = *req.DefaultReader
			}
			if req.AutoListen != nil {
				s.AutoListen = *req.AutoListen
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.CrashReporting,
			"defaultReader":  s.DefaultReader,
			"autoListen":     s.AutoListen,
			"message":        "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
