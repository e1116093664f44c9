// Package security provides the username/password authentication surface
// spec.md §6/§1 scopes this system to ("authentication schemes beyond
// username/password and opaque TLS" is an explicit Non-goal — this package
// carries exactly that much and no more). Grounded on the teacher's
// internal/security.AuthenticationManager, trimmed of its JWT/device-API-key/
// certificate machinery: that breadth belongs to a general-purpose gateway,
// not to this system's MGMT/INTEGRATION basic-auth surface.
package security

import (
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned by Authenticate on a bad username/password.
var ErrUnauthorized = errors.New("security: unauthorized")

// Credential is one registered username/bcrypt-hash pair.
type Credential struct {
	Username     string
	PasswordHash string
}

// UserStore holds the credentials the INTEGRATION broker's HTTP surface (C11)
// checks incoming Basic-Auth requests against.
type UserStore struct {
	users map[string]string // username -> bcrypt hash
}

// NewUserStore builds a store from plaintext-password credentials, hashing
// each with bcrypt at construction time (spec.md §6 "credentials" loaded
// from the process configuration surface).
func NewUserStore(creds map[string]string) (*UserStore, error) {
	s := &UserStore{users: make(map[string]string, len(creds))}
	for username, password := range creds {
		hash, err := HashPassword(password)
		if err != nil {
			return nil, err
		}
		s.users[username] = hash
	}
	return s, nil
}

// HashPassword bcrypt-hashes password at the library default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate verifies username/password against the store.
func (s *UserStore) Authenticate(username, password string) error {
	hash, ok := s.users[username]
	if !ok {
		return ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrUnauthorized
	}
	return nil
}

// Middleware wraps an http.Handler with HTTP Basic Authentication backed by
// the store. A nil store disables authentication entirely (development
// mode), matching the teacher's AuthConfig.Enabled escape hatch.
func (s *UserStore) Middleware(next http.Handler) http.Handler {
	if s == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || s.Authenticate(username, password) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="integration"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
