package protocol

import (
	"strings"
	"testing"

	"github.com/kfcemployee/emberweb/internal/engine"
)

func TestBuildHeaderKeepAlive(t *testing.T) {
	c := engine.NewConnection(1, "peer")
	defer engine.Release(c)
	c.KeepAlive = true

	n := BuildHeader(c, 200, 42)
	header := string(c.WriteBuf()[:n])

	if !strings.HasPrefix(header, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status line: %q", header)
	}
	if !strings.Contains(header, "Content-Length: 42\r\n") {
		t.Fatalf("missing content-length: %q", header)
	}
	if !strings.Contains(header, "Connection: keep-alive\r\n") {
		t.Fatalf("expected keep-alive, got: %q", header)
	}
	if !strings.HasSuffix(header, "\r\n\r\n") {
		t.Fatalf("expected header to end with a blank line: %q", header)
	}
}

func TestBuildHeaderClose(t *testing.T) {
	c := engine.NewConnection(1, "peer")
	defer engine.Release(c)

	n := BuildHeader(c, 404, 0)
	header := string(c.WriteBuf()[:n])
	if !strings.Contains(header, "Connection: close\r\n") {
		t.Fatalf("expected close, got: %q", header)
	}
	if !strings.HasPrefix(header, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("unexpected status line: %q", header)
	}
}

func TestBuildErrorBody(t *testing.T) {
	c := engine.NewConnection(1, "peer")
	defer engine.Release(c)

	BuildErrorBody(c, 403, "forbidden")
	out := string(c.WrittenHeader())
	if !strings.Contains(out, "403 Forbidden") {
		t.Fatalf("expected body to mention 403 Forbidden, got: %q", out)
	}
	if c.BytesRemaining != len(out) {
		t.Fatalf("BytesRemaining = %d, want %d", c.BytesRemaining, len(out))
	}
}

func TestBuildFileResponseTwoSegments(t *testing.T) {
	c := engine.NewConnection(1, "peer")
	defer engine.Release(c)

	data := []byte("file contents")
	BuildFileResponse(c, data)

	segs := c.NextWritev()
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if string(segs[1]) != string(data) {
		t.Fatalf("second segment = %q, want %q", segs[1], data)
	}
}

func TestIntToBufZeroWritesDigitZero(t *testing.T) {
	var buf [4]byte
	n := intToBuf(buf[:], 0)
	if n != 1 || buf[0] != '0' {
		t.Fatalf("intToBuf(0) = %q, want \"0\"", buf[:n])
	}
}

func BenchmarkBuildHeader(b *testing.B) {
	c := engine.NewConnection(1, "peer")
	defer engine.Release(c)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		BuildHeader(c, 200, 1024)
	}
}
