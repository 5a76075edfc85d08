package protocol

import (
	"errors"
	"testing"

	"github.com/kfcemployee/emberweb/internal/engine"
)

func feed(raw string) *engine.Connection {
	c := engine.NewConnection(1, "127.0.0.1:0")
	copy(c.Tail(), raw)
	c.Advance(len(raw))
	return c
}

func TestParseAllCases(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expectErr   error
		expectDone  bool
		checkResult func(t *testing.T, c *engine.Connection)
	}{
		{
			name:       "valid get request",
			raw:        "GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n",
			expectDone: true,
			checkResult: func(t *testing.T, c *engine.Connection) {
				if string(c.Target.Get(c.ReadBuf())) != "/index.html" {
					t.Errorf("wrong target: %q", c.Target.Get(c.ReadBuf()))
				}
				if c.Method != engine.MethodGET {
					t.Errorf("wrong method: %v", c.Method)
				}
			},
		},
		{
			name:       "root rewrite",
			raw:        "GET / HTTP/1.1\r\n\r\n",
			expectDone: true,
			checkResult: func(t *testing.T, c *engine.Connection) {
				if c.RewrittenTarget != "/judge.html" {
					t.Errorf("expected rewrite to /judge.html, got %q", c.RewrittenTarget)
				}
			},
		},
		{
			name:       "valid post with body",
			raw:        "POST /2CGISQL.cgi HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world",
			expectDone: true,
			checkResult: func(t *testing.T, c *engine.Connection) {
				if string(c.Body.Get(c.ReadBuf())) != "hello world" {
					t.Errorf("wrong body: %q", c.Body.Get(c.ReadBuf()))
				}
				if !c.CGI {
					t.Error("expected CGI to be set for POST")
				}
			},
		},
		{
			name:       "keep-alive header observed",
			raw:        "GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n",
			expectDone: true,
			checkResult: func(t *testing.T, c *engine.Connection) {
				if !c.KeepAlive {
					t.Error("expected KeepAlive to be true")
				}
			},
		},
		{
			name:      "incomplete header line",
			raw:       "GET /partial HTTP/1.1\r\nHost: local",
			expectErr: ErrIncomplete,
		},
		{
			name:      "incomplete body",
			raw:       "POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\nsmall body",
			expectErr: ErrIncomplete,
		},
		{
			name:      "invalid method",
			raw:       "777 /sky HTTP/1.1\r\n\r\n",
			expectErr: ErrInvalid,
		},
		{
			name:      "malformed header, no colon",
			raw:       "GET / HTTP/1.1\r\nNoColonHeader\r\n\r\n",
			expectErr: ErrInvalid,
		},
		{
			name:      "lone LF is always invalid",
			raw:       "GET / HTTP/1.1\nHost: x\r\n\r\n",
			expectErr: ErrInvalid,
		},
		{
			name:      "wrong http version",
			raw:       "GET / HTTP/1.0\r\n\r\n",
			expectErr: ErrInvalid,
		},
		{
			name:       "scheme and authority stripped",
			raw:        "GET http://example.com/foo HTTP/1.1\r\n\r\n",
			expectDone: true,
			checkResult: func(t *testing.T, c *engine.Connection) {
				if string(c.Target.Get(c.ReadBuf())) != "/foo" {
					t.Errorf("expected stripped target /foo, got %q", c.Target.Get(c.ReadBuf()))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := feed(tt.raw)
			done, err := Parse(c)

			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Fatalf("expected error %v, got %v", tt.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if done != tt.expectDone {
				t.Fatalf("expected done=%v, got %v", tt.expectDone, done)
			}
			if tt.checkResult != nil {
				tt.checkResult(t, c)
			}
		})
	}
}

func TestScanLineCRLFOnly(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\n")
	_, lineEnd, status := scanLine(buf, 0, len(buf))
	if status != lineOK {
		t.Fatalf("expected lineOK, got %v", status)
	}
	if lineEnd != len(buf) {
		t.Fatalf("expected lineEnd %d, got %d", len(buf), lineEnd)
	}

	// A trailing CR with nothing after it yet is incomplete, not bad.
	open := []byte("GET / HTTP/1.1\r")
	_, _, status = scanLine(open, 0, len(open))
	if status != lineOpen {
		t.Fatalf("expected lineOpen for a dangling CR, got %v", status)
	}

	// A lone LF never terminates a line.
	bad := []byte("GET / HTTP/1.1\n")
	_, _, status = scanLine(bad, 0, len(bad))
	if status != lineBad {
		t.Fatalf("expected lineBad for a lone LF, got %v", status)
	}
}

func BenchmarkParse(b *testing.B) {
	raw := "POST /very/long/path/for/testing/purposes HTTP/1.1\r\n" +
		"Host: localhost:8080\r\n" +
		"User-Agent: emberweb-benchmark\r\n" +
		"Content-Length: 18\r\n" +
		"\r\n" +
		"{\"key\":\"value_123\"}"

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := feed(raw)
		if _, err := Parse(c); err != nil {
			b.Fatal(err)
		}
		engine.Release(c)
	}
}
