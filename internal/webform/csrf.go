// Package webform serves the browser-facing login form that completes an
// OAuth authorization: CSRF protection, per-IP rate limiting, and the
// HTML pages themselves.
package webform

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// csrfTTL bounds how long a rendered form stays submittable.
const csrfTTL = 5 * time.Minute

// csrfStore issues single-use tokens bound to an authorization session.
type csrfStore struct {
	mu     sync.Mutex
	tokens map[string]csrfEntry
}

type csrfEntry struct {
	sessionID string
	issuedAt  time.Time
}

func newCSRFStore() *csrfStore {
	return &csrfStore{tokens: make(map[string]csrfEntry)}
}

// Issue mints a token for sessionID and purges expired entries while it
// holds the lock.
func (s *csrfStore) Issue(sessionID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate CSRF token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-csrfTTL)
	for t, entry := range s.tokens {
		if entry.issuedAt.Before(cutoff) {
			delete(s.tokens, t)
		}
	}

	s.tokens[token] = csrfEntry{sessionID: sessionID, issuedAt: time.Now()}
	return token, nil
}

// Consume validates and deletes the token. It succeeds only when the token
// exists, is unexpired, and was issued for the same session.
func (s *csrfStore) Consume(token, sessionID string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	entry, ok := s.tokens[token]
	if ok {
		delete(s.tokens, token)
	}
	s.mu.Unlock()

	if !ok || time.Since(entry.issuedAt) > csrfTTL {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(entry.sessionID), []byte(sessionID)) == 1
}
