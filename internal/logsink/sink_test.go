package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSyncWriteAppearsInFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, BaseName: "test.log", Mode: Sync})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Write(Info, "hello %s", "world")
	s.Flush()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Fatalf("expected log file to contain the formatted line, got %q", data)
	}
	if !strings.Contains(string(data), "[INFO]") {
		t.Fatalf("expected the level tag in the line, got %q", data)
	}
}

func TestAsyncWriteEventuallyAppearsInFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, BaseName: "test.log", Mode: Async, QueueSize: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Write(Info, "async line")
	// Close drains every already-pushed line through the consumer goroutine
	// before closing the file, so the write is guaranteed visible after it
	// returns.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "async line") {
		t.Fatalf("expected async write to land in the log file, got %q", data)
	}
}

func TestDisabledSinkWritesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, BaseName: "test.log", Disabled: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Write(Error, "should not appear")
	s.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files for a disabled sink, got %v", entries)
	}
}

func TestSplitLinesRotation(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, BaseName: "test.log", Mode: Sync, SplitLines: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Write(Info, "line %d", i)
	}
	s.Flush()

	entries, _ := os.ReadDir(dir)
	if len(entries) < 2 {
		t.Fatalf("expected split-line rotation to produce multiple files, got %d", len(entries))
	}
}
