// Package httpframe implements the minimal HTTP/1.0 framing used by the
// rendezvous protocol: end-of-header detection, literal header lookup, and
// completeness checks over a receive buffer that grows across partial reads.
//
// The protocol deliberately uses only a tiny slice of HTTP: a status line,
// a handful of headers found by literal substring search, and an optional
// body of exactly Content-Length bytes. This package models that slice and
// nothing more.
package httpframe

import (
	"bytes"
	"strings"
)

// Terminator separates the headers from the body.
const Terminator = "\r\n\r\n"

// Header patterns searched for literally, as they appear on the wire.
// The leading CRLF anchors the match to the start of a header line.
const (
	HeaderContentLength = "\r\nContent-Length: "
	HeaderConnection    = "\r\nConnection: "
	HeaderPragma        = "\r\nPragma: "
)

// EndOfHeaders returns the index of the header terminator, or -1 if the
// buffer does not yet contain a full header block.
func EndOfHeaders(data []byte) int {
	return bytes.Index(data, []byte(Terminator))
}

// HeaderValue searches data for the literal pattern before eoh and returns
// the text following it, up to the next line break or eoh, whichever comes
// first, trimmed of surrounding whitespace.
func HeaderValue(data []byte, eoh int, pattern string) (string, bool) {
	if eoh < 0 || eoh > len(data) {
		return "", false
	}
	i := bytes.Index(data, []byte(pattern))
	if i < 0 || i >= eoh {
		return "", false
	}
	begin := i + len(pattern)
	if begin > eoh {
		return "", false
	}
	end := eoh
	if j := bytes.Index(data[begin:eoh], []byte("\r\n")); j >= 0 {
		end = begin + j
	}
	return strings.TrimSpace(string(data[begin:end])), true
}

// HeaderInt is HeaderValue for integer-valued headers. Like atoi, it parses
// the leading digits of the value; a value with no leading digits reports
// false.
func HeaderInt(data []byte, eoh int, pattern string) (int, bool) {
	v, ok := HeaderValue(data, eoh, pattern)
	if !ok {
		return 0, false
	}
	return leadingInt(v)
}

// ContentLength returns the declared body length, if any.
func ContentLength(data []byte, eoh int) (int, bool) {
	return HeaderInt(data, eoh, HeaderContentLength)
}

// Complete reports whether data holds a full response frame. A frame is
// complete once the header terminator is present and either no Content-Length
// is declared (headers-only responses are complete at the terminator) or the
// buffer has grown to eoh + len(Terminator) + Content-Length bytes.
func Complete(data []byte) (complete bool, eoh int, contentLength int) {
	eoh = EndOfHeaders(data)
	if eoh < 0 {
		return false, -1, 0
	}
	n, ok := ContentLength(data, eoh)
	if !ok {
		return true, eoh, 0
	}
	if n < 0 {
		n = 0
	}
	return len(data) >= eoh+len(Terminator)+n, eoh, n
}

// Body returns the first contentLength body bytes of a complete frame.
func Body(data []byte, eoh int, contentLength int) []byte {
	start := eoh + len(Terminator)
	if start > len(data) {
		return nil
	}
	end := start + contentLength
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

// Status parses the response status as the integer following the first space
// of the first line. It returns -1 when no status can be extracted.
func Status(data []byte) int {
	i := bytes.IndexByte(data, ' ')
	if i < 0 {
		return -1
	}
	n, ok := leadingInt(string(data[i+1:]))
	if !ok {
		return -1
	}
	return n
}

// leadingInt parses the leading decimal digits of s, ignoring any trailing
// text. It reports false when s has no leading digits.
func leadingInt(s string) (int, bool) {
	n := 0
	i := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
		if n > 1<<30 {
			return 0, false
		}
	}
	if i == 0 {
		return 0, false
	}
	return n, true
}
