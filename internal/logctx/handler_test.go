package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	return entry
}

// TestContextHandler_PlainContext verifies that no trace or cycle fields are added
// when the context carries neither.
func TestContextHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "test message", "key", "value")

	entry := decodeRecord(t, &buf)

	for _, field := range []string{"trace_id", "span_id", "cycle_id"} {
		if _, exists := entry[field]; exists {
			t.Errorf("%s should not be present, got: %v", field, entry[field])
		}
	}

	if entry["msg"] != "test message" || entry["key"] != "value" {
		t.Errorf("unexpected record: %v", entry)
	}
}

func TestContextHandler_ValidSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.InfoContext(ctx, "test message")

	entry := decodeRecord(t, &buf)

	if entry["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace_id: %v", entry["trace_id"])
	}

	if entry["span_id"] != "00f067aa0ba902b7" {
		t.Errorf("unexpected span_id: %v", entry["span_id"])
	}
}

func TestContextHandler_CycleID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithCycleID(context.Background(), "cycle-42")
	logger.InfoContext(ctx, "uploaded")

	entry := decodeRecord(t, &buf)
	if entry["cycle_id"] != "cycle-42" {
		t.Errorf("expected cycle_id=cycle-42, got: %v", entry["cycle_id"])
	}
}

func TestContextHandler_Enabled(t *testing.T) {
	h := NewContextHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()

	if h.Enabled(ctx, slog.LevelInfo) {
		t.Errorf("expected Info level to be disabled when handler level is Warn")
	}

	if !h.Enabled(ctx, slog.LevelError) {
		t.Errorf("expected Error level to be enabled")
	}
}

func TestContextHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewContextHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("worker", "uploader")})
	if _, ok := withAttrs.(*ContextHandler); !ok {
		t.Fatalf("WithAttrs should return *ContextHandler, got: %T", withAttrs)
	}

	withGroup := withAttrs.WithGroup("file")
	if _, ok := withGroup.(*ContextHandler); !ok {
		t.Fatalf("WithGroup should return *ContextHandler, got: %T", withGroup)
	}

	slog.New(withGroup).InfoContext(context.Background(), "test", "name", "a.mp4")

	output := buf.String()
	if !strings.Contains(output, `"worker":"uploader"`) || !strings.Contains(output, `"file":{"name":"a.mp4"}`) {
		t.Errorf("expected attrs and group in output, got: %s", output)
	}
}

func TestNewContextHandler_NilHandler(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("NewContextHandler with nil handler should panic")
		}
	}()

	NewContextHandler(nil)
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Errorf("expected default logger for empty context")
	}

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), custom)

	if LoggerFromContext(ctx) != custom {
		t.Errorf("expected logger stored in context")
	}

	if LoggerFromContext(With(ctx, "worker", "downloader")) == custom {
		t.Errorf("With should return a derived logger")
	}
}
