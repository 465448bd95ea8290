package envelope

import (
	"mime"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
)

// Headers is a case-insensitive view over a parsed message header,
// built from net/mail's textproto.MIMEHeader. The values of a repeated
// header keep their order; the order between different headers is not
// kept.
type Headers struct {
	h textproto.MIMEHeader
}

// ParseHeaders parses the header portion of a CRLF-terminated raw
// message (as produced by internal/dotreader) using net/mail, the same
// way the teacher's checkData uses net/mail.ReadMessage to inspect the
// Received-header chain.
func ParseHeaders(raw []byte) (Headers, error) {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return Headers{}, err
	}
	return Headers{h: textproto.MIMEHeader(m.Header)}, nil
}

// Get returns the first value of the named header, case-insensitively.
func (h Headers) Get(key string) string {
	return h.h.Get(key)
}

// Subject is the decoded Subject header, or "" if absent.
func (h Headers) Subject() string {
	s := h.h.Get("Subject")
	if s == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	if d, err := dec.DecodeHeader(s); err == nil {
		return d
	}
	return s
}

// Date is the parsed Date header. The zero time is returned if the
// header is absent or unparseable.
func (h Headers) Date() time.Time {
	s := h.h.Get("Date")
	if s == "" {
		return time.Time{}
	}
	t, err := mail.ParseDate(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Priority is the raw value of the X-Priority/Importance header, or ""
// if neither is present.
func (h Headers) Priority() string {
	if p := h.h.Get("X-Priority"); p != "" {
		return p
	}
	return h.h.Get("Importance")
}

// HasAttachments reports whether AttachmentCount is non-zero, that is,
// whether the top-level Content-Type is multipart/mixed. The part
// headers are not inspected.
func (h Headers) HasAttachments() bool {
	return h.AttachmentCount() > 0
}

// AttachmentCount is a coarse estimate taken from the top-level
// Content-Type alone: 1 for a multipart/mixed message, 0 otherwise.
// The MIME parts are not walked, so the number of attached parts is
// not counted.
func (h Headers) AttachmentCount() int {
	ct := h.h.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "multipart/") {
		return 0
	}
	// A single, coarse signal: presence of "attachment" in Content-Disposition
	// style headers isn't available without a full MIME walk from here, so
	// this projection reports 1 for any multipart/mixed message and 0
	// otherwise. Embedders needing precise attachment enumeration should
	// walk Message.Raw with mime/multipart directly.
	if strings.Contains(strings.ToLower(ct), "mixed") {
		return 1
	}
	return 0
}
