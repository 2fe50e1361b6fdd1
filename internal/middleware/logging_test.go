package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			t.Fatalf("unmarshal log line %q: %v", raw, err)
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestHTTPRequestLogging(t *testing.T) {
	tests := []struct {
		name     string
		supplied string
		wantID   func(string) bool
	}{
		{
			name:     "caller id is kept",
			supplied: "abc-123.x_y",
			wantID:   func(id string) bool { return id == "abc-123.x_y" },
		},
		{
			name:     "missing id is minted",
			supplied: "",
			wantID:   func(id string) bool { return uuid.Validate(id) == nil },
		},
		{
			name:     "malformed id is replaced",
			supplied: "bad id with spaces",
			wantID:   func(id string) bool { return uuid.Validate(id) == nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			var seen string
			handler := HTTPRequestLogging(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = RequestIDFromContext(r.Context())
				w.WriteHeader(http.StatusTeapot)
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/conditions", nil)
			if tt.supplied != "" {
				req.Header.Set(RequestIDHeader, tt.supplied)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if !tt.wantID(seen) {
				t.Fatalf("request id = %q", seen)
			}
			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Fatalf("%s header = %q, want %q", RequestIDHeader, got, seen)
			}

			lines := logLines(t, &buf)
			if len(lines) != 2 {
				t.Fatalf("log lines = %d, want 2", len(lines))
			}
			if lines[0]["msg"] != "request started" || lines[0]["level"] != "DEBUG" {
				t.Fatalf("first line = %v, want debug request started", lines[0])
			}
			done := lines[1]
			if done["msg"] != "request completed" || done["request_id"] != seen {
				t.Fatalf("second line = %v", done)
			}
			if done["status_code"] != float64(http.StatusTeapot) {
				t.Fatalf("status_code = %v, want %d", done["status_code"], http.StatusTeapot)
			}
		})
	}
}

func TestResponseWriterDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	if _, err := rw.Write([]byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.statusCode != http.StatusOK {
		t.Fatalf("statusCode = %d, want %d", rw.statusCode, http.StatusOK)
	}
	if rw.Unwrap() != rec {
		t.Fatal("Unwrap() should return the underlying writer")
	}
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	interceptor := UnaryRequestLoggingInterceptor(newJSONLogger(&buf))
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(strings.ToLower(RequestIDHeader), "rid-1"))

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/condz.v1.ConditionService/Evaluate"}, func(ctx context.Context, _ any) (any, error) {
		if id, _ := RequestIDFromContext(ctx); id != "rid-1" {
			t.Errorf("RequestIDFromContext() = %q, want rid-1", id)
		}
		if LoggerFromContext(ctx) == slog.Default() {
			t.Error("LoggerFromContext() returned the default logger")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 || lines[0]["status_code"] != "OK" || lines[0]["request_id"] != "rid-1" {
		t.Fatalf("log lines = %v", lines)
	}
}

func TestStreamRequestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	interceptor := StreamRequestLoggingInterceptor(newJSONLogger(&buf))

	err := interceptor(nil, &testServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/condz.v1.ConditionService/Watch"}, func(_ any, ss grpc.ServerStream) error {
		if _, ok := RequestIDFromContext(ss.Context()); !ok {
			t.Error("stream context has no request id")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}

	lines := logLines(t, &buf)
	if len(lines) != 2 || lines[0]["msg"] != "stream started" || lines[1]["msg"] != "stream ended" {
		t.Fatalf("log lines = %v", lines)
	}
	if lines[0]["request_id"] != lines[1]["request_id"] {
		t.Fatal("stream log lines carry different request ids")
	}
}

func TestLoggerFromContextDefault(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatal("LoggerFromContext() should fall back to slog.Default()")
	}
}
