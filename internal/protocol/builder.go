package protocol

import "github.com/kfcemployee/emberweb/internal/engine"

var reasonPhrases = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

func reason(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Unknown"
}

// BuildHeader writes the status line and the three response headers
// (Content-Length, Connection, blank line) into c's write buffer, grounded
// on server/protocol/builder.go's BuildResp, specialized to the fixed
// header set §4.2 describes rather than an arbitrary header slice.
func BuildHeader(c *engine.Connection, code, contentLength int) int {
	buf := c.WriteBuf()
	n := copy(buf, "HTTP/1.1 ")
	n += intToBuf(buf[n:], code)
	buf[n] = ' '
	n++
	n += copy(buf[n:], reason(code))
	n += copy(buf[n:], "\r\nContent-Length: ")
	n += intToBuf(buf[n:], contentLength)
	n += copy(buf[n:], "\r\nConnection: ")
	if c.KeepAlive {
		n += copy(buf[n:], "keep-alive")
	} else {
		n += copy(buf[n:], "close")
	}
	n += copy(buf[n:], "\r\n\r\n")
	c.SetWLen(n)
	return n
}

// BuildErrorBody appends a short HTML body after the header and installs
// a single-segment gather descriptor, per §4.2's "For error responses, a
// short HTML body is appended into the write buffer".
func BuildErrorBody(c *engine.Connection, code int, message string) {
	body := "<html><body><h1>" + itoaStr(code) + " " + reason(code) + "</h1><p>" + message + "</p></body></html>"
	BuildHeader(c, code, len(body))
	buf := c.WriteBuf()
	n := c.WLen()
	n += copy(buf[n:], body)
	c.SetWLen(n)
	c.SetSegments(c.WrittenHeader())
}

// BuildFileResponse installs the two-segment gather descriptor for a
// FILE_REQUEST: the header buffer followed by the mmap'd file region.
func BuildFileResponse(c *engine.Connection, fileData []byte) {
	BuildHeader(c, 200, len(fileData))
	c.SetMmap(fileData)
	c.SetSegments(c.WrittenHeader(), fileData)
}

// intToBuf writes n in decimal to dst with no allocation, for the response
// assembly hot path — grounded on server/protocol/builder.go's IntToBuf,
// corrected to write "0" as the digit zero rather than a NUL byte.
func intToBuf(dst []byte, n int) int {
	if n == 0 {
		dst[0] = '0'
		return 1
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	return copy(dst, tmp[i:])
}

func itoaStr(n int) string {
	var buf [20]byte
	ln := intToBuf(buf[:], n)
	return string(buf[:ln])
}
