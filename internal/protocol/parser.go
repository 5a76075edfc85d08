// Package protocol implements the incremental HTTP/1.1 request parser and
// the response assembler, operating on byte-offset spans into a
// connection's fixed buffers rather than mutating them in place.
package protocol

import (
	"bytes"

	"github.com/kfcemployee/emberweb/internal/engine"
)

type lineStatus int

const (
	lineOpen lineStatus = iota
	lineOK
	lineBad
)

// scanLine looks for a CRLF starting at start within buf[:filled]. Per the
// resolved ambiguity, only CRLF terminates a line; a lone LF is always
// lineBad, and a trailing CR with no byte after it yet is lineOpen rather
// than assumed bad.
func scanLine(buf []byte, start, filled int) (crAt, lineEnd int, status lineStatus) {
	i := start
	for i < filled {
		switch buf[i] {
		case '\r':
			if i+1 == filled {
				return i, i, lineOpen
			}
			if buf[i+1] == '\n' {
				return i, i + 2, lineOK
			}
			return i, i, lineBad
		case '\n':
			return i, i, lineBad
		}
		i++
	}
	return i, i, lineOpen
}

// Parse advances c's parser state as far as the currently buffered bytes
// allow. It returns (true, nil) once a full request (request line,
// headers, and any body) has been parsed and is ready for dispatch;
// (false, ErrIncomplete) when the reactor must read more before parsing
// can continue; (false, ErrInvalid) when the bytes parsed so far cannot
// form a valid request.
func Parse(c *engine.Connection) (bool, error) {
	buf := c.ReadBuf()
	for {
		switch c.State {
		case engine.StateLine, engine.StateHeader:
			crAt, lineEnd, status := scanLine(buf, c.Scanned(), len(buf))
			switch status {
			case lineOpen:
				return false, ErrIncomplete
			case lineBad:
				return false, ErrInvalid
			}
			line := engine.Span{Start: uint16(c.Scanned()), End: uint16(crAt)}
			c.SetScanned(lineEnd)
			c.SetLineStart(lineEnd)

			if c.State == engine.StateLine {
				if err := parseRequestLine(c, buf, line); err != nil {
					return false, err
				}
				c.State = engine.StateHeader
				continue
			}

			if line.Empty() {
				if c.ContentLength > 0 {
					c.State = engine.StateBody
					continue
				}
				return true, nil
			}
			if err := parseHeaderLine(c, buf, line); err != nil {
				return false, err
			}
			continue

		case engine.StateBody:
			bodyStart := c.Scanned()
			if len(buf)-bodyStart < c.ContentLength {
				return false, ErrIncomplete
			}
			c.Body = engine.Span{Start: uint16(bodyStart), End: uint16(bodyStart + c.ContentLength)}
			c.SetScanned(bodyStart + c.ContentLength)
			return true, nil
		}
	}
}

// parseRequestLine splits "METHOD TARGET VERSION" on single spaces.
// Method must be GET or POST (case-insensitive); version must be
// HTTP/1.1. A target of exactly "/" is flagged for rewrite to
// /judge.html; http(s):// targets have their scheme and authority
// stripped down to the next "/".
func parseRequestLine(c *engine.Connection, buf []byte, line engine.Span) error {
	start, end := int(line.Start), int(line.End)

	sp1 := indexByteRange(buf, start, end, ' ')
	if sp1 < 0 {
		return ErrInvalid
	}
	method := buf[start:sp1]

	sp2 := indexByteRange(buf, sp1+1, end, ' ')
	if sp2 < 0 {
		return ErrInvalid
	}
	targetStart, targetEnd := sp1+1, sp2
	version := buf[sp2+1 : end]

	switch {
	case bytes.EqualFold(method, []byte("GET")):
		c.Method = engine.MethodGET
	case bytes.EqualFold(method, []byte("POST")):
		c.Method = engine.MethodPOST
		c.CGI = true
	default:
		return ErrInvalid
	}

	if !bytes.EqualFold(version, []byte("HTTP/1.1")) {
		return ErrInvalid
	}
	c.Version = engine.Span{Start: uint16(sp2 + 1), End: uint16(end)}

	targetStart, targetEnd = stripSchemeAuthority(buf, targetStart, targetEnd)
	if targetStart >= targetEnd || buf[targetStart] != '/' {
		return ErrInvalid
	}
	c.Target = engine.Span{Start: uint16(targetStart), End: uint16(targetEnd)}
	if targetEnd-targetStart == 1 {
		c.RewrittenTarget = "/judge.html"
	}
	return nil
}

// parseHeaderLine records Connection, Content-Length, and Host; every
// other header is recorded in the header table (for the caller to log)
// but otherwise ignored.
func parseHeaderLine(c *engine.Connection, buf []byte, line engine.Span) error {
	start, end := int(line.Start), int(line.End)
	colon := indexByteRange(buf, start, end, ':')
	if colon < 0 {
		return ErrInvalid
	}
	key := engine.Span{Start: uint16(start), End: uint16(colon)}

	valStart := colon + 1
	for valStart < end && buf[valStart] == ' ' {
		valStart++
	}
	val := engine.Span{Start: uint16(valStart), End: uint16(end)}

	keyBytes := key.Get(buf)
	switch {
	case bytes.EqualFold(keyBytes, []byte("Connection")):
		if bytes.EqualFold(val.Get(buf), []byte("keep-alive")) {
			c.KeepAlive = true
		}
	case bytes.EqualFold(keyBytes, []byte("Content-Length")):
		n, ok := parseUint(val.Get(buf))
		if !ok {
			return ErrInvalid
		}
		c.ContentLength = n
	case bytes.EqualFold(keyBytes, []byte("Host")):
		c.Host = val
	}
	c.AppendHeader(engine.HeaderSpan{Key: key, Val: val})
	return nil
}

func indexByteRange(buf []byte, start, end int, b byte) int {
	for i := start; i < end; i++ {
		if buf[i] == b {
			return i
		}
	}
	return -1
}

func parseUint(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		n = n*10 + int(ch-'0')
	}
	return n, true
}

func stripSchemeAuthority(buf []byte, start, end int) (int, int) {
	skip := 0
	switch {
	case hasPrefixFold(buf, start, end, "http://"):
		skip = len("http://")
	case hasPrefixFold(buf, start, end, "https://"):
		skip = len("https://")
	default:
		return start, end
	}
	idx := indexByteRange(buf, start+skip, end, '/')
	if idx < 0 {
		return end, end
	}
	return idx, end
}

func hasPrefixFold(buf []byte, start, end int, prefix string) bool {
	if end-start < len(prefix) {
		return false
	}
	return bytes.EqualFold(buf[start:start+len(prefix)], []byte(prefix))
}
