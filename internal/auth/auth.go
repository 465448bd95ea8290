// Package auth implements the SASL authenticator sub-protocol: a
// registry mapping mechanism names to short-lived, stateful mechanism
// instances that exchange base64 challenges/responses with the client
// and resolve to a pluggable authentication callback.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/postwarden/smtpd/internal/normalize"
)

// Result is the outcome of an authentication attempt.
type Result struct {
	OK       bool
	Identity string
}

// Callback is a pure function from (username, password) to a Result. It
// may be backed by I/O (a database, an in-memory map) and may block;
// the session calls it off the connection's read/write path.
type Callback func(ctx context.Context, user, password string) (Result, error)

// ErrAborted is returned internally (and surfaced as a 501) when the
// client sends a bare "*" to cancel an in-progress exchange.
var ErrAborted = errors.New("auth: aborted by client")

// ErrInvalidBase64 is returned when a client response is not valid
// base64.
var ErrInvalidBase64 = errors.New("auth: invalid base64 response")

// Mechanism drives one authentication attempt. Step is called with the
// base64-decoded bytes of the client's response (nil the very first
// time, if the client issued "AUTH MECH" with no initial response).
// It returns the next challenge to send (nil if none), whether the
// exchange is finished, and — once finished — the Result.
type Mechanism interface {
	Name() string
	Step(ctx context.Context, response []byte) (challenge []byte, done bool, result Result, err error)
}

// Factory builds a fresh Mechanism instance bound to cb, for a single
// AUTH attempt.
type Factory func(cb Callback) Mechanism

// Registry maps mechanism names to factories. The zero value is usable
// and has no mechanisms registered; NewRegistry pre-populates PLAIN and
// LOGIN, the two mandatory mechanisms.
type Registry struct {
	mu  sync.RWMutex
	fac map[string]Factory
}

// NewRegistry returns a Registry with PLAIN and LOGIN already
// registered.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register("PLAIN", NewPlain)
	r.Register("LOGIN", NewLogin)
	return r
}

// Register adds or replaces the factory for the given mechanism name.
// Names are matched case-sensitively as advertised (conventionally
// all-uppercase, per RFC 4954).
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fac == nil {
		r.fac = map[string]Factory{}
	}
	r.fac[name] = f
}

// New instantiates the mechanism registered under name, bound to cb. It
// returns false if no such mechanism is registered.
func (r *Registry) New(name string, cb Callback) (Mechanism, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fac[name]
	if !ok {
		return nil, false
	}
	return f(cb), true
}

// Names returns the registered mechanism names, sorted, for EHLO's
// capability line.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fac))
	for n := range r.fac {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeInitialResponse decodes a SASL PLAIN response of the form
// "authzid\0authcid\0passwd" (RFC 4954 §4.1) into a normalized identity
// and password. Either authzid may be empty; if both are present they
// must match.
func DecodeInitialResponse(b []byte) (identity, passwd string, err error) {
	parts := bytes.SplitN(b, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("auth: PLAIN response must have 3 NUL-separated parts")
	}

	authzid := string(parts[0])
	authcid := string(parts[1])
	passwd = string(parts[2])

	if authzid != "" && authcid != "" && authzid != authcid {
		return "", "", fmt.Errorf("auth: authzid and authcid do not match")
	}

	identity = authcid
	if identity == "" {
		identity = authzid
	}
	if identity == "" {
		return "", "", fmt.Errorf("auth: empty identity")
	}

	identity, err = normalizeIdentity(identity)
	if err != nil {
		return "", "", err
	}
	return identity, passwd, nil
}

// normalizeIdentity applies username normalization to the user part of
// a user@domain identity, leaving bare usernames (no '@') untouched
// beyond that normalization, since not every embedder models identities
// as user@domain.
func normalizeIdentity(identity string) (string, error) {
	if i := strings.IndexByte(identity, '@'); i >= 0 {
		user, domain := identity[:i], identity[i+1:]
		user, err := normalize.User(user)
		if err != nil {
			return "", err
		}
		return user + "@" + domain, nil
	}
	return normalize.User(identity)
}

// DecodeLine base64-decodes one line of client input in the AUTH
// sub-protocol. A lone "*" aborts the exchange, per RFC 4954 §4.
func DecodeLine(s string) ([]byte, error) {
	if s == "*" {
		return nil, ErrAborted
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}

// EncodeChallenge base64-encodes a server challenge for the 334
// continuation line.
func EncodeChallenge(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
