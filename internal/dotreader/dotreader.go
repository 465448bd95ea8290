// Package dotreader implements the SMTP DATA body reader: a
// dot-terminated, dot-stuffed stream with incremental size enforcement
// and lenient line-ending normalization.
package dotreader

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var (
	// ErrTooLarge is returned when the body exceeds the configured
	// maximum size. The reader still drains to the terminator before
	// returning it, so the connection stays in sync with the client.
	ErrTooLarge = errors.New("dotreader: message too large")

	// ErrInvalidLineEnding is returned when a line contains an embedded
	// lonely '\r' not immediately followed by '\n'.
	ErrInvalidLineEnding = errors.New("dotreader: invalid line ending")

	// ErrInvalidOctet is returned when the body contains a byte > 0x7F
	// and Read was called with eightBitClean false. The session passes
	// false only when 8BITMIME is disabled on the server and the client
	// did not declare BODY=8BITMIME for the transaction.
	ErrInvalidOctet = errors.New("dotreader: invalid octet in 7bit body")
)

// Read consumes lines from r until a line consisting solely of "." is
// seen, removing dot-stuffing and normalizing every line ending to
// "\r\n" in the returned buffer (a bare "\n" is accepted leniently).
// It enforces max as an incremental size limit: once the accumulated
// body would exceed max bytes, further bytes are discarded but reading
// continues until the terminator, so the SMTP dialog stays in sync. If
// eightBitClean is false, any byte greater than 0x7F anywhere in the
// body is reported as ErrInvalidOctet (after the full body has been
// drained).
func Read(r *bufio.Reader, max int64, eightBitClean bool) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	var normalized int64
	var invalidOctet bool

	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return buf, io.ErrUnexpectedEOF
		}
		if err != nil {
			return buf, err
		}

		body := line
		switch {
		case len(body) >= 2 && body[len(body)-2] == '\r':
			body = body[:len(body)-2]
		default:
			// Lenient: a bare '\n' terminator is accepted and
			// normalized to CRLF below.
			body = body[:len(body)-1]
		}
		if bytes.IndexByte(body, '\r') >= 0 {
			return buf, ErrInvalidLineEnding
		}

		if len(body) == 1 && body[0] == '.' {
			break
		}
		if len(body) > 0 && body[0] == '.' {
			// RFC 5321 §4.5.2 dot-stuffing: drop one leading dot.
			body = body[1:]
		}

		if !eightBitClean {
			for _, b := range body {
				if b > 0x7F {
					invalidOctet = true
					break
				}
			}
		}

		// Count body bytes plus the CRLF this line will normalize to,
		// i.e. exactly what would land in buf for this line if the cap
		// below didn't truncate it. This is what must be compared
		// against max, not the raw wire bytes read above (which
		// include dot-stuffing and the terminator line itself).
		normalized += int64(len(body)) + 2

		if int64(len(buf)) < max {
			remaining := max - int64(len(buf))
			add := body
			if int64(len(add)) > remaining {
				add = add[:remaining]
			}
			buf = append(buf, add...)
			if int64(len(buf)) < max {
				buf = append(buf, '\r', '\n')
			}
		}
	}

	if normalized > max {
		return buf, ErrTooLarge
	}
	if invalidOctet {
		return buf, ErrInvalidOctet
	}
	return buf, nil
}
