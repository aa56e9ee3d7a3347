package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"campfire/engine/internal/config"
)

func TestLoggerFiltersByLevelAndInheritsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, InfoLevel).With(String("component", "tick"))

	logger.Debug("hidden")
	logger.Info("tick processed", Uint64("tick", 7))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["level"] != "info" || entry["message"] != "tick processed" || entry["component"] != "tick" || entry["tick"] != float64(7) {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected unknown level to fail")
	}
	if level, err := ParseLevel("WARN"); err != nil || level != WarnLevel {
		t.Fatalf("ParseLevel(WARN) = %v, %v", level, err)
	}
}

func TestHTTPTraceMiddlewarePropagatesTraceID(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc123" || rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", seen, rec.Header().Get(TraceIDHeader))
	}

	//1.- Requests without a trace id get a generated one.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if len(rec.Header().Get(TraceIDHeader)) != 32 {
		t.Fatalf("expected generated trace id, got %q", rec.Header().Get(TraceIDHeader))
	}
}

func TestRotatingWriterCompressesAndPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	w, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.file.Close() })
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	w.maxSize = 16

	//1.- Every write after the first overflows; three segments rotate out and one survives pruning.
	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		if _, err := w.Write([]byte("0123456789abcdef")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var archives []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".gz") {
			archives = append(archives, entry.Name())
		}
	}
	if len(archives) != 1 {
		t.Fatalf("expected one retained archive, got %v", archives)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("live file missing: %v", err)
	}
}

func TestNewRotatingWriterRejectsBadLimits(t *testing.T) {
	if _, err := newRotatingWriter(config.LoggingConfig{Path: filepath.Join(t.TempDir(), "x.log")}); err == nil {
		t.Fatal("expected zero max size to be rejected")
	}
}
