package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsWriterAndFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Writer: &buf, Format: "text"}).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	New(Config{Writer: &buf}).Info("structured")
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON by default: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{" DeBuG ", slog.LevelDebug},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range testCases {
		if got := parseLevel(tc.input).Level(); got != tc.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	WithComponent(logger, "monitor").Info("tick")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal log output: %v", err)
	}
	if payload["component"] != "monitor" {
		t.Fatalf("expected component monitor, got %v", payload["component"])
	}
	if WithComponent(nil, "x") != nil {
		t.Fatal("nil logger should stay nil")
	}
}

func TestContextIDs(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), " req-1 ")
	ctx = ContextWithStreamID(ctx, "stream_9_1700000000")
	ctx = ContextWithStreamID(ctx, "   ")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-1" {
		t.Fatalf("request id = %q", id)
	}
	if id, ok := StreamIDFromContext(ctx); !ok || id != "stream_9_1700000000" {
		t.Fatalf("stream id = %q", id)
	}

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("annotated")
	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) || !strings.Contains(out, `"stream_id":"stream_9_1700000000"`) {
		t.Fatalf("missing ids in %s", out)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/healthz"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/streams", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-42"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal log output: %v", err)
	}
	if payload["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", payload["status"])
	}
	if payload["request_id"] != "req-42" {
		t.Fatalf("request_id = %v", payload["request_id"])
	}
	if payload["bytes"] != float64(len("short and stout")) {
		t.Fatalf("bytes = %v", payload["bytes"])
	}

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("skipped path was logged: %s", buf.String())
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := NewLineWriter(logger, "stderr")

	_, _ = w.Write([]byte("frame=1\nframe="))
	_, _ = w.Write([]byte("2\n\n   \npartial"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "frame=2" || rec["stream"] != "stderr" {
		t.Fatalf("unexpected record %v", rec)
	}

	w.Flush()
	if !strings.Contains(buf.String(), `"msg":"partial"`) {
		t.Fatalf("flush did not emit partial line: %s", buf.String())
	}
}
