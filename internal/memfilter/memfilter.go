// Package memfilter provides an in-memory smtpd.MailboxFilter, useful
// as a default for embedders that only need a static allow/deny list
// and as a reference for how to implement the interface.
package memfilter

import (
	"context"
	"strings"
	"sync"

	"github.com/postwarden/smtpd/internal/session"
	"github.com/postwarden/smtpd/internal/set"
)

// Filter accepts mail from any sender and delivers to any recipient
// whose domain is in its accepted domain set, unless the specific
// mailbox has been denied with DenyMailbox. With no domains
// registered, every domain is accepted.
type Filter struct {
	mu           sync.RWMutex
	domains      *set.String
	restrictDoms bool
	deniedAddrs  *set.String
	maxSize      int64
}

// New returns a Filter accepting the given local domains. With no
// domains given, every domain is accepted.
func New(domains ...string) *Filter {
	return &Filter{
		domains:      set.NewString(domains...),
		restrictDoms: len(domains) > 0,
		deniedAddrs:  &set.String{},
	}
}

// SetMaxMessageSize rejects, with a permanent failure, any sender that
// declares a SIZE larger than max. Zero disables the check (the
// session-level MaxMessageBytes limit still applies).
func (f *Filter) SetMaxMessageSize(max int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxSize = max
}

// DenyMailbox marks addr (case-sensitive, as received) as undeliverable.
func (f *Filter) DenyMailbox(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deniedAddrs.Add(addr)
}

// CanAcceptFrom implements smtpd.MailboxFilter. It never rejects a
// sender outright, only an oversized declared size.
func (f *Filter) CanAcceptFrom(ctx context.Context, sv *session.SessionView, sender string, declaredSize int64) session.FilterDecision {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.maxSize > 0 && declaredSize > f.maxSize {
		return session.DenyPermanent
	}
	return session.Accept
}

// CanDeliverTo implements smtpd.MailboxFilter.
func (f *Filter) CanDeliverTo(ctx context.Context, sv *session.SessionView, recipient, sender string) session.FilterDecision {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.deniedAddrs.Has(recipient) {
		return session.DenyPermanent
	}

	if !f.restrictDoms {
		return session.Accept
	}

	domain := domainOf(recipient)
	if domain == "" || !f.domains.Has(domain) {
		return session.DenyPermanent
	}
	return session.Accept
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}
