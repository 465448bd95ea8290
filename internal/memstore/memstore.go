// Package memstore provides an in-memory smtpd.MessageStore, useful as
// a default for embedders that don't need durability across restarts
// and as a reference for how to implement the interface.
package memstore

import (
	"context"
	"sync"

	"github.com/postwarden/smtpd/internal/session"
)

// Store keeps every accepted message in memory, in arrival order, up
// to Capacity messages (0 means unlimited). It is safe for concurrent
// use.
type Store struct {
	// Capacity caps how many messages are retained; once exceeded, the
	// oldest message is dropped to make room for the newest. Zero
	// means no cap.
	Capacity int

	mu       sync.Mutex
	messages []*session.Message
}

// New returns a Store retaining at most capacity messages.
func New(capacity int) *Store {
	return &Store{Capacity: capacity}
}

// Save implements smtpd.MessageStore.
func (s *Store) Save(ctx context.Context, sv *session.SessionView, msg *session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg)
	if s.Capacity > 0 && len(s.messages) > s.Capacity {
		s.messages = s.messages[len(s.messages)-s.Capacity:]
	}
	return nil
}

// All returns a snapshot of every currently-retained message, oldest
// first.
func (s *Store) All() []*session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*session.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ByRecipient returns every retained message addressed to rcpt.
func (s *Store) ByRecipient(rcpt string) []*session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*session.Message
	for _, msg := range s.messages {
		for _, to := range msg.To {
			if to == rcpt {
				out = append(out, msg)
				break
			}
		}
	}
	return out
}

// Len reports how many messages are currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
