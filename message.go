package smtpd

import "github.com/postwarden/smtpd/internal/session"

// Message is a finalized, accepted mail transaction: the envelope plus
// the raw octets and lazily-derived convenience projections over its
// headers.
type Message = session.Message
