package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestFlushIncludesRecordedAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithEvent(context.Background())
	Record(ctx, slog.String("method", "GET"), slog.Int("status", 200))
	Flush(ctx, logger, "request served", nil)

	out := buf.String()
	if !strings.Contains(out, "method=GET") || !strings.Contains(out, "status=200") {
		t.Fatalf("expected flushed line to carry recorded attrs, got: %q", out)
	}
	if !strings.Contains(out, "level=INFO") {
		t.Fatalf("expected INFO level on success, got: %q", out)
	}
}

func TestFlushUsesErrorLevelOnError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithEvent(context.Background())
	Flush(ctx, logger, "request failed", errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Fatalf("expected ERROR level on failure, got: %q", out)
	}
	if !strings.Contains(out, "error=boom") {
		t.Fatalf("expected the error attribute, got: %q", out)
	}
}

func TestRecordWithoutEventIsNoop(t *testing.T) {
	// Must not panic when called on a plain context with no wide event.
	Record(context.Background(), slog.String("k", "v"))
}
