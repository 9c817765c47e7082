package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLogin spins up an upstream stub whose login endpoint returns the given
// token in the Authorization response header. The counter tracks how many
// logins were attempted.
func fakeLogin(t *testing.T, token string, logins *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath {
			http.NotFound(w, r)
			return
		}
		logins.Add(1)

		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds["username"] != "a_op" || creds["password"] != "s3c" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Authorization", "Bearer "+token)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestLoginSuccess(t *testing.T) {
	var logins atomic.Int64
	srv := fakeLogin(t, "tok-1", &logins)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "a_op", "s3c")
	token, err := m.Login(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int64(1), logins.Load())
}

func TestLoginBadCredentials(t *testing.T) {
	var logins atomic.Int64
	srv := fakeLogin(t, "tok-1", &logins)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "a_op", "wrong")
	_, err := m.Login(context.Background(), srv.Client())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Detail, "401")
}

func TestLoginMissingBearerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewTokenManager(srv.URL, "a_op", "s3c")
	_, err := m.Login(context.Background(), srv.Client())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Detail, "no Bearer token")
}

func TestLoginTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	m := NewTokenManager(srv.URL, "a_op", "s3c")
	_, err := m.Login(context.Background(), http.DefaultClient)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestTokenCachedUnderMaxAge(t *testing.T) {
	var logins atomic.Int64
	srv := fakeLogin(t, "tok-1", &logins)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "a_op", "s3c")
	for i := 0; i < 5; i++ {
		token, err := m.Token(context.Background(), srv.Client())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", token)
	}
	assert.Equal(t, int64(1), logins.Load(), "repeated Token calls under the max age must reuse the cached token")
}

func TestTokenRefreshesPastMaxAge(t *testing.T) {
	var logins atomic.Int64
	srv := fakeLogin(t, "tok-1", &logins)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "a_op", "s3c")
	_, err := m.Token(context.Background(), srv.Client())
	require.NoError(t, err)

	// Age the cached token beyond the 30 minute ceiling.
	m.mu.Lock()
	m.tokenTime = time.Now().Add(-TokenMaxAge - time.Minute)
	m.mu.Unlock()

	_, err = m.Token(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, int64(2), logins.Load())
}

func TestInvalidateForcesLogin(t *testing.T) {
	var logins atomic.Int64
	srv := fakeLogin(t, "tok-1", &logins)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "a_op", "s3c")
	_, err := m.Token(context.Background(), srv.Client())
	require.NoError(t, err)

	m.Invalidate()

	_, err = m.Token(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, int64(2), logins.Load(), "Invalidate followed by Token must trigger exactly one fresh login")
}
