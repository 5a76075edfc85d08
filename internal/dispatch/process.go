// Package dispatch implements do_request (§4.2): URL routing by the
// target's second byte, the two CGI-style form endpoints, and static file
// serving via mmap. It implements engine.Processor so the reactor can
// drive it without either package importing the other's concrete types
// beyond *engine.Connection.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/emberweb/internal/db"
	"github.com/kfcemployee/emberweb/internal/engine"
	"github.com/kfcemployee/emberweb/internal/logging"
	"github.com/kfcemployee/emberweb/internal/protocol"
)

// Metrics receives one observation per fully-handled request; implemented
// by the metrics package.
type Metrics interface {
	RequestServed(method string, status int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RequestServed(string, int, time.Duration) {}

// Processor is the do_request implementation, wired into a Reactor as its
// engine.Processor.
type Processor struct {
	DocRoot string
	Users   *db.UserCache
	DBPool  *db.Pool
	Logger  *slog.Logger
	Metrics Metrics
}

// NewProcessor constructs a Processor. logger and metrics may be nil.
func NewProcessor(docRoot string, users *db.UserCache, dbPool *db.Pool, logger *slog.Logger, metrics Metrics) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Processor{DocRoot: docRoot, Users: users, DBPool: dbPool, Logger: logger, Metrics: metrics}
}

// Process implements engine.Processor.
func (p *Processor) Process(c *engine.Connection) bool {
	done, err := protocol.Parse(c)
	if err != nil {
		if errors.Is(err, protocol.ErrIncomplete) {
			return false
		}
		protocol.BuildErrorBody(c, 400, "malformed request")
		c.KeepAlive = false
		return false
	}
	if !done {
		return false
	}

	start := time.Now()
	ctx := logging.WithEvent(context.Background())
	method := methodString(c.Method)
	logging.Record(ctx, slog.String("method", method), slog.String("peer", c.Peer))

	status := p.doRequest(ctx, c)

	logging.Record(ctx, slog.Int("status", status))
	logging.Flush(ctx, p.Logger, "request served", nil)
	p.Metrics.RequestServed(method, status, time.Since(start))
	return false
}

// doRequest implements the second-path-byte dispatch table from §4.2.
func (p *Processor) doRequest(ctx context.Context, c *engine.Connection) int {
	target := c.Target.Get(c.ReadBuf())
	path := string(target)
	if c.RewrittenTarget != "" {
		path = c.RewrittenTarget
	}

	if len(path) >= 2 {
		switch path[1] {
		case '0':
			path = "/register.html"
		case '1':
			path = "/log.html"
		case '2':
			return p.handleLogin(ctx, c)
		case '3':
			return p.handleRegister(ctx, c)
		case '5':
			path = "/picture.html"
		case '6':
			path = "/video.html"
		case '7':
			path = "/fans.html"
		}
	}
	return p.serveFile(c, path)
}

func (p *Processor) handleLogin(ctx context.Context, c *engine.Connection) int {
	user, pass := parseForm(c.Body.Get(c.ReadBuf()))
	logging.Record(ctx, slog.String("login_user", user))
	if p.Users.Check(user, pass) {
		return p.serveFile(c, "/welcome.html")
	}
	return p.serveFile(c, "/logError.html")
}

func (p *Processor) handleRegister(ctx context.Context, c *engine.Connection) int {
	user, pass := parseForm(c.Body.Get(c.ReadBuf()))
	logging.Record(ctx, slog.String("register_user", user))
	if user == "" || p.DBPool == nil {
		return p.serveFile(c, "/registerError.html")
	}

	handle, release, err := p.DBPool.Acquire(ctx)
	if err != nil {
		p.Logger.Error("db pool exhausted during registration", "error", err)
		return p.serveFile(c, "/registerError.html")
	}
	defer release()

	if err := p.Users.InsertUser(ctx, handle.DB, user, pass); err != nil {
		if !errors.Is(err, db.ErrDuplicateUser) {
			p.Logger.Error("insert user failed", "user", user, "error", err)
		}
		return p.serveFile(c, "/registerError.html")
	}
	return p.serveFile(c, "/welcome.html")
}

// serveFile implements the "File serving" paragraph of §4.2: stat,
// permission check, mmap, and the gather descriptor for a FILE_REQUEST.
func (p *Processor) serveFile(c *engine.Connection, reqPath string) int {
	full := filepath.Join(p.DocRoot, filepath.Clean("/"+reqPath))

	info, err := os.Stat(full)
	if err != nil {
		protocol.BuildErrorBody(c, 404, "not found")
		c.KeepAlive = false
		return 404
	}
	if info.IsDir() {
		protocol.BuildErrorBody(c, 400, "is a directory")
		c.KeepAlive = false
		return 400
	}
	if info.Mode().Perm()&0o004 == 0 {
		protocol.BuildErrorBody(c, 403, "forbidden")
		c.KeepAlive = false
		return 403
	}

	f, err := os.Open(full)
	if err != nil {
		protocol.BuildErrorBody(c, 404, "not found")
		c.KeepAlive = false
		return 404
	}
	defer f.Close()

	size := info.Size()
	if size == 0 {
		protocol.BuildHeader(c, 200, 0)
		c.SetSegments(c.WrittenHeader())
		return 200
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		protocol.BuildErrorBody(c, 500, "internal error")
		c.KeepAlive = false
		return 500
	}
	protocol.BuildFileResponse(c, data)
	return 200
}

// parseForm splits "user=NAME&password=PASSWORD" with no percent-decoding.
// Per the resolved ambiguity, password is taken to end-of-string rather
// than split on any embedded "=". Both fields are capped at 99 bytes.
func parseForm(body []byte) (user, pass string) {
	idx := bytes.IndexByte(body, '&')
	if idx < 0 {
		return "", ""
	}
	userPart := body[:idx]
	passPart := body[idx+1:]

	const userPrefix = "user="
	const passPrefix = "password="
	if !bytes.HasPrefix(userPart, []byte(userPrefix)) || !bytes.HasPrefix(passPart, []byte(passPrefix)) {
		return "", ""
	}

	user = string(userPart[len(userPrefix):])
	pass = string(passPart[len(passPrefix):])
	if len(user) > 99 {
		user = user[:99]
	}
	if len(pass) > 99 {
		pass = pass[:99]
	}
	return user, pass
}

func methodString(m engine.Method) string {
	switch m {
	case engine.MethodGET:
		return "GET"
	case engine.MethodPOST:
		return "POST"
	default:
		return "UNKNOWN"
	}
}
