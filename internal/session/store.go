// Package session holds the per-user resource pools: one cache of request
// gateways and one of authenticated browser sessions, both keyed by bridge
// identity and populated lazily under double-checked locking.
package session

import (
	"fmt"
	"sync"

	"ugbridge/internal/registry"
	"ugbridge/internal/upstream"
	"ugbridge/pkg/logging"
)

// StdioIdentity is the sentinel identity of the single-tenant fallback
// session, populated from process configuration instead of the registry.
const StdioIdentity = "__stdio__"

// UnknownIdentityError reports a bridge identity absent from the registry.
type UnknownIdentityError struct {
	Identity string
}

func (e *UnknownIdentityError) Error() string {
	return fmt.Sprintf("unknown user: %s", e.Identity)
}

// Store lazily creates and caches one request gateway per bridge identity.
// Entries live until CloseAll; there is no per-entry expiry.
type Store struct {
	registry *registry.Registry

	mu      sync.RWMutex
	clients map[string]*upstream.Client
}

// NewStore creates a gateway pool backed by the given registry.
func NewStore(reg *registry.Registry) *Store {
	return &Store{
		registry: reg,
		clients:  make(map[string]*upstream.Client),
	}
}

// Get returns the cached gateway for identity, creating it on first use.
// The fast path takes only a read lock; creation re-checks the cache under
// the write lock because another caller may have populated it while this
// one waited.
func (s *Store) Get(identity string) (*upstream.Client, error) {
	s.mu.RLock()
	client, ok := s.clients[identity]
	s.mu.RUnlock()
	if ok {
		return client, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if client, ok := s.clients[identity]; ok {
		return client, nil
	}

	if s.registry == nil {
		return nil, &UnknownIdentityError{Identity: identity}
	}
	user, ok := s.registry.GetUser(identity)
	if !ok {
		return nil, &UnknownIdentityError{Identity: identity}
	}

	client = upstream.New(user.OfficeURL, user.OfficeUsername, user.OfficePassword)
	s.clients[identity] = client
	logging.Info("Session", "Created gateway for user %s", logging.TruncateUserID(identity))
	return client, nil
}

// PutFallback caches a pre-built gateway under the single-tenant sentinel
// identity, bypassing registry resolution.
func (s *Store) PutFallback(client *upstream.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[StdioIdentity] = client
}

// Fallback returns the single-tenant gateway, if one was configured.
func (s *Store) Fallback() (*upstream.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[StdioIdentity]
	return client, ok
}

// Len returns the number of cached gateways.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll releases every cached gateway.
func (s *Store) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for identity, client := range s.clients {
		client.Close()
		delete(s.clients, identity)
	}
	logging.Info("Session", "All gateways closed")
}
