package session

import (
	"sync"
	"time"

	"github.com/postwarden/smtpd/internal/envelope"
)

// Message is a finalized, accepted mail transaction: the envelope plus
// the raw octets and lazily-derived convenience projections over its
// headers.
type Message struct {
	// ID is a stable, server-generated queue identifier.
	ID string

	// From is the reverse-path (sender); may be empty for bounces.
	From string

	// To is the ordered, de-duplicated list of forward-paths.
	To []string

	// Raw is the complete RFC 5322 message (headers + body), with
	// dot-stuffing removed and CRLF line endings throughout.
	Raw []byte

	// Size is len(Raw), kept as a field since callers checking size
	// limits shouldn't need to re-slice Raw.
	Size int64

	// Received is when the DATA terminator was seen.
	Received time.Time

	once    sync.Once
	headers envelope.Headers
	hdrErr  error
}

func (m *Message) parseHeaders() {
	m.once.Do(func() {
		m.headers, m.hdrErr = envelope.ParseHeaders(m.Raw)
	})
}

// Header returns the first value of the named header, case-insensitive,
// or "" if absent or unparseable.
func (m *Message) Header(key string) string {
	m.parseHeaders()
	if m.hdrErr != nil {
		return ""
	}
	return m.headers.Get(key)
}

// Subject is the decoded Subject header, or "" if absent.
func (m *Message) Subject() string {
	m.parseHeaders()
	if m.hdrErr != nil {
		return ""
	}
	return m.headers.Subject()
}

// Date is the parsed Date header, or the zero time if absent/unparseable.
func (m *Message) Date() time.Time {
	m.parseHeaders()
	if m.hdrErr != nil {
		return time.Time{}
	}
	return m.headers.Date()
}

// Priority is the raw X-Priority/Importance header value, or "".
func (m *Message) Priority() string {
	m.parseHeaders()
	if m.hdrErr != nil {
		return ""
	}
	return m.headers.Priority()
}

// HasAttachments reports whether the message looks like a multipart
// message carrying attachments.
func (m *Message) HasAttachments() bool {
	m.parseHeaders()
	if m.hdrErr != nil {
		return false
	}
	return m.headers.HasAttachments()
}

// AttachmentCount estimates the number of attachment parts.
func (m *Message) AttachmentCount() int {
	m.parseHeaders()
	if m.hdrErr != nil {
		return 0
	}
	return m.headers.AttachmentCount()
}
