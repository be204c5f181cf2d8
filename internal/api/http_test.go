package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/pcsc"
	"github.com/SimplyPrint/pcsc-agent/internal/updater"
)

func TestHandleVersion(t *testing.T) {
	// Save original values
	origVersion := Version
	origBuildTime := BuildTime
	origGitCommit := GitCommit

	// Set test values
	Version = "1.2.3-test"
	BuildTime = "2024-01-15T10:30:00Z"
	GitCommit = "abc1234"

	// Restore after test
	defer func() {
		Version = origVersion
		BuildTime = origBuildTime
		GitCommit = origGitCommit
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()

	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["buildTime"] != "2024-01-15T10:30:00Z" {
		t.Errorf("expected buildTime '2024-01-15T10:30:00Z', got '%s'", result["buildTime"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestHandleVersion_MethodNotAllowed(t *testing.T) {
	methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/v1/version", nil)
			w := httptest.NewRecorder()

			handleVersion(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d for %s, got %d", http.StatusMethodNotAllowed, method, w.Code)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, newFakeReaders())

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", result["status"])
	}
	if result["readerCount"] != float64(2) {
		t.Errorf("expected readerCount 2, got %v", result["readerCount"])
	}
	if result["listening"] != false {
		t.Errorf("expected listening false, got %v", result["listening"])
	}
}

func TestHandleHealth_Degraded(t *testing.T) {
	readers := newFakeReaders()
	readers.listErr = &pcsc.Error{Kind: pcsc.ErrContextUnavailable, Msg: "Failed to establish PC/SC context", Status: pcsc.StatusNoService}
	s := newTestServer(t, readers)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "degraded" {
		t.Errorf("expected status 'degraded', got '%v'", result["status"])
	}
	if result["pcscAvailable"] != false {
		t.Errorf("expected pcscAvailable false, got %v", result["pcscAvailable"])
	}
}

func TestHandleHealth_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, newFakeReaders())
	methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/v1/health", nil)
			w := httptest.NewRecorder()

			s.handleHealth(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d for %s, got %d", http.StatusMethodNotAllowed, method, w.Code)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request", http.MethodGet, http.StatusOK},
		{"POST request", http.MethodPost, http.StatusOK},
		{"DELETE request", http.MethodDelete, http.StatusOK},
		{"OPTIONS preflight", http.MethodOptions, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("expected Access-Control-Allow-Origin header to be '*'")
			}
			if w.Header().Get("Access-Control-Allow-Methods") != "GET, POST, DELETE, OPTIONS" {
				t.Error("expected Access-Control-Allow-Methods header")
			}
			if w.Header().Get("Access-Control-Allow-Headers") != "Content-Type" {
				t.Error("expected Access-Control-Allow-Headers header")
			}
		})
	}
}

func TestCORSMiddleware_PreflightResponse(t *testing.T) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		// This should not be called for OPTIONS
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("Handler called"))
	})

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d for OPTIONS, got %d", http.StatusOK, w.Code)
	}
	if w.Body.Len() > 0 {
		t.Errorf("expected empty body for OPTIONS preflight, got %s", w.Body.String())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logging.SetCrashLogDir(t.TempDir())
	t.Cleanup(func() { logging.SetCrashLogDir("") })

	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/readers", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestRespondJSON(t *testing.T) {
	tests := []struct {
		name   string
		status int
		data   interface{}
	}{
		{"simple map", http.StatusOK, map[string]string{"message": "hello"}},
		{"created status", http.StatusCreated, map[string]string{"id": "123"}},
		{"error response", http.StatusBadRequest, map[string]string{"error": "invalid input"}},
		{"complex struct", http.StatusOK, map[string]interface{}{"count": 42, "items": []string{"a", "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			respondJSON(w, tt.status, tt.data)

			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			if w.Header().Get("Content-Type") != "application/json" {
				t.Error("expected Content-Type to be application/json")
			}

			var result interface{}
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("failed to decode JSON response: %v", err)
			}
		})
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&pcsc.Error{Kind: pcsc.ErrInvalidArguments}, http.StatusBadRequest},
		{&pcsc.Error{Kind: pcsc.ErrAlreadyActive}, http.StatusConflict},
		{&pcsc.Error{Kind: pcsc.ErrContextUnavailable}, http.StatusServiceUnavailable},
		{&pcsc.Error{Kind: pcsc.ErrReaderUnavailable}, http.StatusServiceUnavailable},
		{&pcsc.Error{Kind: pcsc.ErrConnect, Status: pcsc.StatusNoSmartcard}, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", &pcsc.Error{Kind: pcsc.ErrTransmit}), http.StatusBadGateway},
		{fmt.Errorf("waiting: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseAPDU(t *testing.T) {
	apdu, err := parseAPDU("FF CA 00 00 00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(apdu, []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}) {
		t.Errorf("unexpected apdu % X", apdu)
	}

	for _, bad := range []string{"", "zz", "FFC"} {
		if _, err := parseAPDU(bad); !errors.Is(err, pcsc.ErrInvalidArguments) {
			t.Errorf("parseAPDU(%q) error = %v, want invalid arguments", bad, err)
		}
	}
}

func TestHandler(t *testing.T) {
	mux := newTestServer(t, newFakeReaders()).Handler()

	routes := []string{
		"/v1/readers",
		"/v1/listener",
		"/v1/version",
		"/v1/health",
		"/v1/logs",
		"/v1/settings",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		w := httptest.NewRecorder()

		mux.ServeHTTP(w, req)

		if w.Code == http.StatusNotFound {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestHandleListReaders(t *testing.T) {
	s := newTestServer(t, newFakeReaders())

	req := httptest.NewRequest(http.MethodGet, "/v1/readers", nil)
	w := httptest.NewRecorder()

	s.handleListReaders(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var readers []pcsc.Reader
	if err := json.NewDecoder(w.Body).Decode(&readers); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(readers) != 2 || readers[1].Type != "sam" {
		t.Errorf("unexpected readers: %+v", readers)
	}
}

func TestHandleListReaders_Empty(t *testing.T) {
	readers := newFakeReaders()
	readers.readers = []pcsc.Reader{}
	s := newTestServer(t, readers)

	req := httptest.NewRequest(http.MethodGet, "/v1/readers", nil)
	w := httptest.NewRecorder()

	s.handleListReaders(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected empty JSON array, got %s", got)
	}
}

func TestHandleListReaders_ServiceUnavailable(t *testing.T) {
	readers := newFakeReaders()
	readers.listErr = &pcsc.Error{Kind: pcsc.ErrContextUnavailable, Msg: "Failed to establish PC/SC context"}
	s := newTestServer(t, readers)

	req := httptest.NewRequest(http.MethodGet, "/v1/readers", nil)
	w := httptest.NewRecorder()

	s.handleListReaders(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandleListReaders_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, newFakeReaders())

	req := httptest.NewRequest(http.MethodPost, "/v1/readers", nil)
	w := httptest.NewRecorder()

	s.handleListReaders(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHandleTransmit(t *testing.T) {
	mux := newTestServer(t, newFakeReaders()).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/readers/0/transmit", jsonBody(`{"apdu":"FF CA 00 00 00"}`))
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["response"] != "04A1B29000" {
		t.Errorf("expected response '04A1B29000', got '%s'", result["response"])
	}
	if result["reader"] != "ACS ACR122U PICC Interface" {
		t.Errorf("unexpected reader '%s'", result["reader"])
	}
}

func TestHandleTransmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"invalid index", "/v1/readers/abc/transmit", `{"apdu":"00"}`, http.StatusBadRequest},
		{"missing endpoint", "/v1/readers/0", `{"apdu":"00"}`, http.StatusBadRequest},
		{"unknown endpoint", "/v1/readers/0/erase", `{}`, http.StatusNotFound},
		{"invalid body", "/v1/readers/0/transmit", `not json`, http.StatusBadRequest},
		{"invalid hex", "/v1/readers/0/transmit", `{"apdu":"xyz"}`, http.StatusBadRequest},
		{"empty apdu", "/v1/readers/0/transmit", `{"apdu":""}`, http.StatusBadRequest},
		{"index out of range", "/v1/readers/9/transmit", `{"apdu":"FFCA000000"}`, http.StatusNotFound},
		{"no card", "/v1/readers/1/transmit", `{"apdu":"FFCA000000"}`, http.StatusBadGateway},
	}

	mux := newTestServer(t, newFakeReaders()).Handler()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, jsonBody(tt.body))
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleListener(t *testing.T) {
	readers := newFakeReaders()
	mux := newTestServer(t, readers).Handler()

	do := func(method, body string) (int, map[string]interface{}) {
		req := httptest.NewRequest(method, "/v1/listener", jsonBody(body))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		var result map[string]interface{}
		_ = json.NewDecoder(w.Body).Decode(&result)
		return w.Code, result
	}

	code, result := do(http.MethodGet, "")
	if code != http.StatusOK || result["active"] != false {
		t.Fatalf("expected inactive listener, got %d %v", code, result)
	}

	code, result = do(http.MethodPost, `{"readerIndex":0}`)
	if code != http.StatusOK || result["active"] != true || result["reader"] != "ACS ACR122U PICC Interface" {
		t.Fatalf("expected active listener, got %d %v", code, result)
	}

	code, _ = do(http.MethodPost, `{"reader":"ACS ACR1252 Dual Reader SAM"}`)
	if code != http.StatusConflict {
		t.Errorf("expected status %d for second start, got %d", http.StatusConflict, code)
	}

	code, result = do(http.MethodDelete, "")
	if code != http.StatusOK || result["active"] != false {
		t.Errorf("expected stopped listener, got %d %v", code, result)
	}

	// Stopping again is a no-op
	code, _ = do(http.MethodDelete, "")
	if code != http.StatusOK {
		t.Errorf("expected status %d for second stop, got %d", http.StatusOK, code)
	}
}

func TestHandleListener_BadRequests(t *testing.T) {
	mux := newTestServer(t, newFakeReaders()).Handler()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid body", `nope`, http.StatusBadRequest},
		{"no reader", `{}`, http.StatusBadRequest},
		{"unknown name", `{"reader":"Missing Reader"}`, http.StatusNotFound},
		{"index out of range", `{"readerIndex":5}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/listener", jsonBody(tt.body))
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleHistory(t *testing.T) {
	readers := newFakeReaders()
	s := newTestServer(t, readers, WithHistory(newMemoryHistory(t)))
	mux := s.Handler()

	if err := s.StartListening("ACS ACR122U PICC Interface"); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	readers.emitUID("04A1B2")
	time.Sleep(time.Millisecond)
	readers.emitUID("04C3D4")

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result struct {
		Scans []struct {
			ID     string `json:"id"`
			Reader string `json:"reader"`
			UID    string `json:"uid"`
		} `json:"scans"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.Scans) != 1 || result.Scans[0].UID != "04C3D4" || result.Scans[0].ID == "" {
		t.Errorf("unexpected scans: %+v", result.Scans)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/history", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestHandleHistory_Disabled(t *testing.T) {
	mux := newTestServer(t, newFakeReaders()).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandleShutdown(t *testing.T) {
	called := make(chan struct{})
	s := newTestServer(t, newFakeReaders(), WithShutdownHandler(func() { close(called) }))

	req := httptest.NewRequest(http.MethodPost, "/v1/shutdown", nil)
	w := httptest.NewRecorder()
	s.handleShutdown(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	<-called
}

func TestHandleShutdown_NotAvailable(t *testing.T) {
	s := newTestServer(t, newFakeReaders())

	req := httptest.NewRequest(http.MethodPost, "/v1/shutdown", nil)
	w := httptest.NewRecorder()
	s.handleShutdown(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestVersionVariables(t *testing.T) {
	if Version == "" {
		t.Error("Version should never be empty after init")
	}
}

func BenchmarkHandleVersion(b *testing.B) {
	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handleVersion(w, req)
	}
}

func BenchmarkRespondJSON(b *testing.B) {
	data := map[string]interface{}{"response": "04A1B29000", "reader": "ACS ACR122U PICC Interface"}
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		respondJSON(w, http.StatusOK, data)
	}
}

type fakeUpdates struct {
	forced []bool
}

func (f *fakeUpdates) Check(_ context.Context, forceRefresh bool) *updater.UpdateInfo {
	f.forced = append(f.forced, forceRefresh)
	return &updater.UpdateInfo{Available: true, CurrentVersion: "1.0.0", LatestVersion: "v1.1.0"}
}

func TestHandleUpdates(t *testing.T) {
	checker := &fakeUpdates{}
	s := newTestServer(t, newFakeReaders(), WithUpdateChecker(checker))

	req := httptest.NewRequest(http.MethodGet, "/v1/updates?refresh=true", nil)
	w := httptest.NewRecorder()
	s.handleUpdates(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var info updater.UpdateInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !info.Available || info.LatestVersion != "v1.1.0" {
		t.Errorf("unexpected update info: %+v", info)
	}
	if len(checker.forced) != 1 || !checker.forced[0] {
		t.Errorf("expected one forced check, got %v", checker.forced)
	}
}

func TestHandleUpdates_Disabled(t *testing.T) {
	s := newTestServer(t, newFakeReaders())

	req := httptest.NewRequest(http.MethodGet, "/v1/updates", nil)
	w := httptest.NewRecorder()
	s.handleUpdates(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}
