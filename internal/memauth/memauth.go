// Package memauth implements an in-memory, scrypt-backed user database
// compatible with auth.Callback, for embedders who want a working
// authentication backend without bringing their own.
package memauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/postwarden/smtpd/internal/auth"
)

// scrypt parameters, matching the teacher's own choice for interactive
// password hashing: strong enough for a login-time check, cheap enough
// not to stall a session.
const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

type entry struct {
	salt []byte
	hash []byte
}

// DB is an in-memory set of user/password pairs. The zero value is
// ready to use. DB is safe for concurrent use.
type DB struct {
	mu    sync.RWMutex
	users map[string]entry
}

// New returns an empty DB.
func New() *DB {
	return &DB{users: map[string]entry{}}
}

// AddUser hashes password with a fresh random salt and stores it under
// user, replacing any existing entry.
func (db *DB) AddUser(user, password string) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("memauth: generating salt: %w", err)
	}

	hash, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("memauth: hashing password: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.users == nil {
		db.users = map[string]entry{}
	}
	db.users[user] = entry{salt: salt, hash: hash}
	return nil
}

// RemoveUser deletes user, if present.
func (db *DB) RemoveUser(user string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.users, user)
}

// Exists reports whether user has an entry.
func (db *DB) Exists(user string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.users[user]
	return ok
}

// Authenticate checks password against the stored hash for user using a
// constant-time comparison.
func (db *DB) Authenticate(user, password string) (bool, error) {
	db.mu.RLock()
	e, ok := db.users[user]
	db.mu.RUnlock()
	if !ok {
		return false, nil
	}

	hash, err := scrypt.Key([]byte(password), e.salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false, fmt.Errorf("memauth: hashing password: %w", err)
	}

	return subtle.ConstantTimeCompare(hash, e.hash) == 1, nil
}

// Callback adapts DB to auth.Callback, for direct use as
// smtpd.Config.AuthenticationCallback.
func (db *DB) Callback() auth.Callback {
	return func(ctx context.Context, user, password string) (auth.Result, error) {
		ok, err := db.Authenticate(user, password)
		if err != nil {
			return auth.Result{}, err
		}
		return auth.Result{OK: ok, Identity: user}, nil
	}
}
