package session

import (
	"context"

	"github.com/postwarden/smtpd/internal/auth"
	"github.com/postwarden/smtpd/internal/codec"
)

// AuthResult is the outcome of an authentication attempt, produced by
// an AuthenticationCallback.
type AuthResult = auth.Result

// AuthenticationCallback is a pure function from (username, password)
// to an AuthResult. It may be backed by I/O and may block; it is never
// called from the connection's read/write path directly.
type AuthenticationCallback = auth.Callback

// FilterDecision is the outcome of a MailboxFilter consultation.
type FilterDecision int

const (
	// Accept allows the transaction to proceed.
	Accept FilterDecision = iota
	// DenyPermanent rejects the address with a 5xx response; the
	// client should not retry unchanged.
	DenyPermanent
	// DenyTransient rejects the address with a 4xx response; the
	// client may retry, possibly with different parameters.
	DenyTransient
)

// MessageStore persists an accepted message. It is called exactly once
// per accepted message, after all observers have run. A non-nil error
// maps to a 554 response to the client.
type MessageStore interface {
	Save(ctx context.Context, session *SessionView, msg *Message) error
}

// MailboxFilter decides whether to accept a transaction's sender and
// recipients. Implementations must be safe for concurrent use by many
// sessions.
type MailboxFilter interface {
	CanAcceptFrom(ctx context.Context, session *SessionView, sender string, declaredSize int64) FilterDecision
	CanDeliverTo(ctx context.Context, session *SessionView, recipient, sender string) FilterDecision
}

// StatisticsCollector receives fire-and-forget counters about server
// activity. Implementations must be safe for concurrent use.
type StatisticsCollector interface {
	RecordSession()
	RecordMessage(msg *Message)
	RecordError(err error)
}

// RateLimiter is consulted once per session, at connection accept.
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	IsAllowed(key string) bool
	RecordRequest(key string)
}

// Observer is a set of optional lifecycle callbacks a Server fans out
// to on each event; any field may be left nil. Multiple Observers can
// be registered with Server.AddObserver, and all non-nil callbacks run
// in registration order.
//
// MessageReceived may cancel acceptance of the message (the store is
// then never called) by returning a non-nil Response, which becomes
// the reply sent to the client in place of the usual 250. The
// MessageReceived callbacks of Observers registered after the one that
// cancelled are then not called.
type Observer struct {
	SessionCreated   func(session *SessionView)
	MessageReceived  func(session *SessionView, msg *Message) *codec.Response
	SessionCompleted func(session *SessionView)
	ErrorOccurred    func(session *SessionView, err error)
}
