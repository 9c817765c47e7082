package session

import (
	"context"
	"fmt"
	"sync"

	"ugbridge/internal/registry"
	"ugbridge/pkg/logging"
)

// EngineUnavailableError reports that the shared browser engine could not
// be started.
type EngineUnavailableError struct {
	Err error
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("browser engine unavailable: %v", e.Err)
}

func (e *EngineUnavailableError) Unwrap() error { return e.Err }

// Engine is the shared browser process. One engine serves every identity;
// each identity gets its own isolated session with a private cookie jar.
type Engine interface {
	// NewSession opens an isolated browsing session rooted at webURL.
	NewSession(ctx context.Context, webURL string) (BrowserSession, error)
	Close() error
}

// BrowserSession is one identity's authenticated browsing session.
type BrowserSession interface {
	// Login submits the back-office login form. Implementations report the
	// failure; callers decide whether it is fatal.
	Login(ctx context.Context, username, password string) error
	// Screenshot navigates to path (relative to the session's base URL) and
	// captures a full-page PNG.
	Screenshot(ctx context.Context, path string) ([]byte, error)
	// PageText navigates to path and extracts the rendered text content.
	PageText(ctx context.Context, path string) (string, error)
	Close() error
}

// BrowserStore lazily starts the shared browser engine and manages one
// authenticated BrowserSession per bridge identity.
type BrowserStore struct {
	registry *registry.Registry

	mu       sync.RWMutex
	engine   Engine
	sessions map[string]BrowserSession

	// newEngine brings up the shared engine. Tests replace it with a fake.
	newEngine func(ctx context.Context) (Engine, error)
}

// NewBrowserStore creates a browser pool. The registry may be nil in
// single-tenant mode; identity lookups then fail and only the fallback
// session path works.
func NewBrowserStore(reg *registry.Registry) *BrowserStore {
	return &BrowserStore{
		registry:  reg,
		sessions:  make(map[string]BrowserSession),
		newEngine: newChromeEngine,
	}
}

// ensureEngine brings up the shared engine exactly once. Callers must hold
// the write lock. On failure nothing is cached, so a later call retries the
// bring-up from scratch.
func (b *BrowserStore) ensureEngine(ctx context.Context) (Engine, error) {
	if b.engine != nil {
		return b.engine, nil
	}

	engine, err := b.newEngine(ctx)
	if err != nil {
		return nil, &EngineUnavailableError{Err: err}
	}
	b.engine = engine
	logging.Info("Browser", "Shared browser engine started")
	return engine, nil
}

// Get returns the cached browser session for identity, creating and
// authenticating one on first use. A failed login is logged but does not
// fail the operation: the session is cached and returned anyway, since some
// pages work unauthenticated.
func (b *BrowserStore) Get(ctx context.Context, identity string) (BrowserSession, error) {
	b.mu.RLock()
	sess, ok := b.sessions[identity]
	b.mu.RUnlock()
	if ok {
		return sess, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sess, ok := b.sessions[identity]; ok {
		return sess, nil
	}

	if b.registry == nil {
		return nil, fmt.Errorf("no user registry configured")
	}
	user, ok := b.registry.GetUser(identity)
	if !ok {
		return nil, &UnknownIdentityError{Identity: identity}
	}

	return b.createLocked(ctx, identity, user.WebURL, user.OfficeUsername, user.OfficePassword)
}

// GetFallback returns the single-tenant browser session, creating it from
// explicit credentials without consulting the registry.
func (b *BrowserStore) GetFallback(ctx context.Context, webURL, username, password string) (BrowserSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sess, ok := b.sessions[StdioIdentity]; ok {
		return sess, nil
	}
	return b.createLocked(ctx, StdioIdentity, webURL, username, password)
}

func (b *BrowserStore) createLocked(ctx context.Context, identity, webURL, username, password string) (BrowserSession, error) {
	engine, err := b.ensureEngine(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := engine.NewSession(ctx, webURL)
	if err != nil {
		return nil, fmt.Errorf("create browser session: %w", err)
	}

	if err := sess.Login(ctx, username, password); err != nil {
		// Best effort: the session stays usable for pages that do not
		// require auth.
		logging.Warn("Browser", "Login failed for user %s: %v", logging.TruncateUserID(identity), err)
	}

	b.sessions[identity] = sess
	logging.Info("Browser", "Browser session created for user %s", logging.TruncateUserID(identity))
	return sess, nil
}

// CloseAll tears down every session, then the shared engine. One session's
// close failure does not stop the rest from being attempted.
func (b *BrowserStore) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for identity, sess := range b.sessions {
		if err := sess.Close(); err != nil {
			logging.Warn("Browser", "Failed to close session for %s: %v", logging.TruncateUserID(identity), err)
		}
		delete(b.sessions, identity)
	}

	if b.engine != nil {
		if err := b.engine.Close(); err != nil {
			logging.Warn("Browser", "Failed to close browser engine: %v", err)
		}
		b.engine = nil
	}
	logging.Info("Browser", "All browser resources closed")
}
