// Package registry maps bridge user identities to upstream back-office
// credentials. The backing file is loaded once at startup and never reloaded.
package registry

import (
	"crypto/subtle"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ugbridge/pkg/logging"
)

// User is the credential bundle stored for one bridge identity.
type User struct {
	// BridgePassword authenticates the bridge identity itself on the login
	// form. It is never sent upstream.
	BridgePassword string `yaml:"bridge_password"`

	// Upstream back-office credentials and endpoints.
	OfficeUsername string `yaml:"ug_username"`
	OfficePassword string `yaml:"ug_password"`
	OfficeURL      string `yaml:"ug_office_url"`
	WebURL         string `yaml:"ug_web_url"`
}

type registryFile struct {
	Users map[string]User `yaml:"users"`
}

// Registry is the read-only identity store.
type Registry struct {
	users map[string]User
}

// Load reads the registry file at path. A missing or malformed file is a
// startup failure; the server must not come up with an empty registry by
// accident.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse user registry %s: %w", path, err)
	}
	if file.Users == nil {
		file.Users = map[string]User{}
	}

	for name, user := range file.Users {
		if user.WebURL == "" {
			user.WebURL = "https://www.ugoffice.com"
			file.Users[name] = user
		}
	}

	logging.Info("Registry", "Loaded %d users from %s", len(file.Users), path)
	return &Registry{users: file.Users}, nil
}

// NewFromUsers builds a registry from an in-memory map. Used by tests and by
// callers that assemble credentials without a file.
func NewFromUsers(users map[string]User) *Registry {
	if users == nil {
		users = map[string]User{}
	}
	return &Registry{users: users}
}

// GetUser returns the credential bundle for id. The second return is false
// when the identity is unknown; unknown identities are not an error at this
// layer.
func (r *Registry) GetUser(id string) (User, bool) {
	user, ok := r.users[id]
	return user, ok
}

// Verify reports whether id exists and password matches its bridge password.
// The comparison is constant time so the form handler above cannot leak
// password prefixes through timing.
func (r *Registry) Verify(id, password string) bool {
	user, ok := r.users[id]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(user.BridgePassword), []byte(password)) == 1
}

// Count returns the number of registered identities.
func (r *Registry) Count() int {
	return len(r.users)
}
