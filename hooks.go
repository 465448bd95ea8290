package smtpd

import "github.com/postwarden/smtpd/internal/session"

// AuthResult is the outcome of an authentication attempt, produced by
// an AuthenticationCallback.
type AuthResult = session.AuthResult

// AuthenticationCallback is a pure function from (username, password)
// to an AuthResult. It may be backed by I/O and may block; it is never
// called from the connection's read/write path directly.
type AuthenticationCallback = session.AuthenticationCallback

// FilterDecision is the outcome of a MailboxFilter consultation.
type FilterDecision = session.FilterDecision

const (
	// Accept allows the transaction to proceed.
	Accept = session.Accept
	// DenyPermanent rejects the address with a 5xx response; the
	// client should not retry unchanged.
	DenyPermanent = session.DenyPermanent
	// DenyTransient rejects the address with a 4xx response; the
	// client may retry, possibly with different parameters.
	DenyTransient = session.DenyTransient
)

// MessageStore persists an accepted message. It is called exactly once
// per accepted message, after all observers have run. A non-nil error
// maps to a 554 response to the client.
type MessageStore = session.MessageStore

// MailboxFilter decides whether to accept a transaction's sender and
// recipients. Implementations must be safe for concurrent use by many
// sessions.
type MailboxFilter = session.MailboxFilter

// StatisticsCollector receives fire-and-forget counters about server
// activity. Implementations must be safe for concurrent use.
type StatisticsCollector = session.StatisticsCollector

// RateLimiter is consulted once per session, at connection accept.
// Implementations must be safe for concurrent use.
type RateLimiter = session.RateLimiter

// Observer is a set of optional lifecycle callbacks a Server fans out
// to on each event. See session.Observer for field documentation.
type Observer = session.Observer
