package smtpd

import "github.com/postwarden/smtpd/internal/session"

// SessionView is the read-only projection of a session exposed to
// collaborators (stores, filters, observers). The mutable state machine
// that produces it lives in internal/session and is never shared
// outside its own goroutine.
type SessionView = session.SessionView
