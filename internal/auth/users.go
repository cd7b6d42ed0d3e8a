// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package auth provides the credential store used by proxy authentication
// and the management API's session layer.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/google/uuid"

	"github.com/Annihilater/net-relay/internal/clock"
	"github.com/Annihilater/net-relay/internal/errors"
)

// Argon2id parameters for password hashing: a conservative interactive
// cost for a memory-hard KDF, tuned for a proxy process handling logins
// rather than a dedicated auth server.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, i.e. 64 MiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// User is a proxy/management-API credential. Hash never leaves this
// package except embedded in a User value passed by pointer internally.
type User struct {
	Username    string
	Hash        string // argon2id encoded, see hashPassword
	Description string
	Enabled     bool
}

// PublicUser is the API-safe view of a User (no hash, no salt).
type PublicUser struct {
	Username    string `json:"username"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

func (u *User) public() PublicUser {
	return PublicUser{Username: u.Username, Description: u.Description, Enabled: u.Enabled}
}

// Session is a management-plane login.
type Session struct {
	Token     string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DefaultSessionTTL is how long a management-API login stays valid.
const DefaultSessionTTL = 24 * time.Hour

// Store is the credential store + session layer. Users and sessions share
// one RWMutex: both are small maps mutated only by management-API calls,
// never on the proxy hot path (proxy auth only reads, via Verify).
type Store struct {
	mu       sync.RWMutex
	users    map[string]*User
	sessions map[string]*Session
}

// NewStore creates an empty in-memory credential store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
	}
}

// HasUsers reports whether any user is configured.
func (s *Store) HasUsers() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users) > 0
}

// Add creates a new user. Fails with KindConflict if the username
// already exists, or KindValidation if password doesn't meet policy.
func (s *Store) Add(username, password, description string) error {
	if username == "" {
		return errors.New(errors.KindValidation, "username must not be empty")
	}
	if err := ValidatePassword(password, DefaultPasswordPolicy(), username); err != nil {
		return errors.Wrap(err, errors.KindValidation, "weak password")
	}

	hash, err := hashPassword(password)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "hashing password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return errors.New(errors.KindConflict, "user already exists")
	}
	s.users[username] = &User{Username: username, Hash: hash, Description: description, Enabled: true}
	return nil
}

// Remove deletes a user and any sessions it holds. Fails with KindNotFound
// when the username is absent.
func (s *Store) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; !exists {
		return errors.New(errors.KindNotFound, "unknown user")
	}
	delete(s.users, username)
	for token, sess := range s.sessions {
		if sess.Username == username {
			delete(s.sessions, token)
		}
	}
	return nil
}

// List returns every user without hashes or salts.
func (s *Store) List() []PublicUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PublicUser, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.public())
	}
	return out
}

// Verify checks username/password in constant time. Returns false for
// unknown or disabled users alike, without telling the caller which.
func (s *Store) Verify(username, password string) bool {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok || !u.Enabled {
		return false
	}
	return verifyPassword(u.Hash, password)
}

// Login verifies credentials and, on success, mints a session token that
// expires after DefaultSessionTTL.
func (s *Store) Login(username, password string) (*Session, error) {
	if !s.Verify(username, password) {
		return nil, errors.New(errors.KindPermission, "invalid credentials")
	}

	sess := &Session{
		Token:     uuid.NewString(),
		Username:  username,
		CreatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(DefaultSessionTTL),
	}

	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()

	return sess, nil
}

// ValidateSession returns the session if token is present and unexpired.
func (s *Store) ValidateSession(token string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, errors.New(errors.KindPermission, "invalid session")
	}
	if sess.ExpiresAt.Before(clock.Now()) {
		return nil, errors.New(errors.KindPermission, "session expired")
	}
	return sess, nil
}

// Logout invalidates a session token. Always succeeds, even for an
// unknown token, so logout is idempotent from the client's perspective.
func (s *Store) Logout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// hashPassword encodes an argon2id hash in the conventional
// $argon2id$v=19$m=...,t=...,p=...$salt$hash form.
func hashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, b64Salt, b64Hash), nil
}

// verifyPassword decodes an encoded hash, recomputes with the same
// parameters, and compares in constant time.
func verifyPassword(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}
	var mem uint32
	var t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &p); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, t, mem, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
