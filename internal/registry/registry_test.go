package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user_registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAndLookup(t *testing.T) {
	path := writeRegistry(t, `
users:
  alice:
    bridge_password: alice-pass
    ug_username: a_op
    ug_password: s3c
    ug_office_url: https://ug.test
`)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Count())

	user, ok := reg.GetUser("alice")
	require.True(t, ok)
	assert.Equal(t, "a_op", user.OfficeUsername)
	assert.Equal(t, "s3c", user.OfficePassword)
	assert.Equal(t, "https://ug.test", user.OfficeURL)
	// Web URL defaults when the file omits it.
	assert.Equal(t, "https://www.ugoffice.com", user.WebURL)

	_, ok = reg.GetUser("missing")
	assert.False(t, ok)
}

func TestVerify(t *testing.T) {
	reg := NewFromUsers(map[string]User{
		"alice": {BridgePassword: "alice-pass", OfficeUsername: "a_op", OfficePassword: "s3c", OfficeURL: "https://ug.test"},
	})

	assert.True(t, reg.Verify("alice", "alice-pass"))
	assert.False(t, reg.Verify("alice", "wrong"))
	assert.False(t, reg.Verify("missing", "alice-pass"))
	assert.False(t, reg.Verify("alice", ""))
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := writeRegistry(t, "users: [not, a, map]")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeRegistry(t, "")
	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Count())
}
