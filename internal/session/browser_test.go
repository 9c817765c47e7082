package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine counts session construction and scripts failures.
type fakeEngine struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	closed     bool
	loginErr   error
	sessionErr error
}

func (e *fakeEngine) NewSession(ctx context.Context, webURL string) (BrowserSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionErr != nil {
		return nil, e.sessionErr
	}
	sess := &fakeSession{webURL: webURL, loginErr: e.loginErr}
	e.sessions = append(e.sessions, sess)
	return sess, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type fakeSession struct {
	webURL   string
	loginErr error
	loggedIn atomic.Bool
	closed   atomic.Bool
	closeErr error
}

func (s *fakeSession) Login(ctx context.Context, username, password string) error {
	if s.loginErr != nil {
		return s.loginErr
	}
	s.loggedIn.Store(true)
	return nil
}

func (s *fakeSession) Screenshot(ctx context.Context, path string) ([]byte, error) {
	return []byte("png"), nil
}

func (s *fakeSession) PageText(ctx context.Context, path string) (string, error) {
	return "text", nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return s.closeErr
}

// newTestBrowserStore wires a BrowserStore to a fake engine factory.
func newTestBrowserStore(engine *fakeEngine, engineErr error) (*BrowserStore, *atomic.Int64) {
	store := NewBrowserStore(testRegistry())
	var engineStarts atomic.Int64
	store.newEngine = func(ctx context.Context) (Engine, error) {
		engineStarts.Add(1)
		if engineErr != nil {
			return nil, engineErr
		}
		return engine, nil
	}
	return store, &engineStarts
}

func TestBrowserGetCreatesAuthenticatedSession(t *testing.T) {
	engine := &fakeEngine{}
	store, starts := newTestBrowserStore(engine, nil)

	sess, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.Equal(t, int64(1), starts.Load())
	require.Len(t, engine.sessions, 1)
	assert.True(t, engine.sessions[0].loggedIn.Load())
	assert.Equal(t, "https://www.ugoffice.com", engine.sessions[0].webURL)
}

func TestBrowserGetUnknownIdentity(t *testing.T) {
	store, starts := newTestBrowserStore(&fakeEngine{}, nil)

	_, err := store.Get(context.Background(), "mallory")

	var unknownErr *UnknownIdentityError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, int64(0), starts.Load(), "engine must not start for an unknown identity")
}

func TestBrowserGetConcurrentSingleSession(t *testing.T) {
	engine := &fakeEngine{}
	store, starts := newTestBrowserStore(engine, nil)

	const n = 16
	results := make([]BrowserSession, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := store.Get(context.Background(), "alice")
			assert.NoError(t, err)
			results[i] = sess
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), starts.Load())
	require.Len(t, engine.sessions, 1, "concurrent Get for one identity must create exactly one session")
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestBrowserEngineFailureAllowsRetry(t *testing.T) {
	bootErr := errors.New("chrome not installed")
	store := NewBrowserStore(testRegistry())

	var starts atomic.Int64
	failing := true
	engine := &fakeEngine{}
	store.newEngine = func(ctx context.Context) (Engine, error) {
		starts.Add(1)
		if failing {
			return nil, bootErr
		}
		return engine, nil
	}

	_, err := store.Get(context.Background(), "alice")
	var engineErr *EngineUnavailableError
	require.ErrorAs(t, err, &engineErr)

	// Bring-up failure must not leave partial shared state: a later call
	// retries the engine start.
	failing = false
	sess, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, sess)
	assert.Equal(t, int64(2), starts.Load())
}

func TestBrowserLoginFailureStillCachesSession(t *testing.T) {
	engine := &fakeEngine{loginErr: errors.New("form changed")}
	store, _ := newTestBrowserStore(engine, nil)

	sess, err := store.Get(context.Background(), "alice")
	require.NoError(t, err, "a failed browser login is best-effort, not an error")
	require.NotNil(t, sess)

	again, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Same(t, sess, again)
	require.Len(t, engine.sessions, 1)
}

func TestBrowserFallbackSkipsRegistry(t *testing.T) {
	engine := &fakeEngine{}
	store := NewBrowserStore(nil)
	store.newEngine = func(ctx context.Context) (Engine, error) { return engine, nil }

	sess, err := store.GetFallback(context.Background(), "https://ug.test", "solo", "pw")
	require.NoError(t, err)
	require.NotNil(t, sess)

	again, err := store.GetFallback(context.Background(), "https://ug.test", "solo", "pw")
	require.NoError(t, err)
	assert.Same(t, sess, again)

	// Registry-backed lookup still fails without a registry.
	_, err = store.Get(context.Background(), "alice")
	require.Error(t, err)
}

func TestCloseAllIsolatesFailures(t *testing.T) {
	engine := &fakeEngine{}
	store, _ := newTestBrowserStore(engine, nil)

	_, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, engine.sessions, 2)

	// One session's close fails; the other and the engine must still close.
	engine.sessions[0].closeErr = errors.New("tab crashed")

	store.CloseAll()

	for _, sess := range engine.sessions {
		assert.True(t, sess.closed.Load(), "every session close must be attempted")
	}
	assert.True(t, engine.closed, "engine must be torn down even after a session close failure")
}
