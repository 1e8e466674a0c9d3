package auth

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

// userNamespace derives stable user IDs from usernames, so tokens stay
// valid across restarts as long as the account is configured.
var userNamespace = uuid.MustParse("5d0d3c5e-6b7a-4f0e-9f2b-1a6c2f3e8b41")

// Users is the set of API accounts, loaded from the security.users section.
type Users struct {
	mu     sync.RWMutex
	byName map[string]*User
	byID   map[string]*User
}

// NewUsers validates and indexes the configured accounts.
func NewUsers(accounts []config.UserConfig) (*Users, error) {
	u := &Users{
		byName: make(map[string]*User, len(accounts)),
		byID:   make(map[string]*User, len(accounts)),
	}
	for _, a := range accounts {
		if err := u.add(a); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *Users) add(a config.UserConfig) error {
	if !IsValidUsername(a.Username) {
		return fmt.Errorf("%w: username %q", ErrInvalidUser, a.Username)
	}
	role := Role(a.Role)
	if role == "" {
		role = RoleViewer
	}
	if !IsValidRole(role) {
		return fmt.Errorf("%w: %s has unknown role %q", ErrInvalidUser, a.Username, a.Role)
	}
	if _, err := parsePHC(a.PasswordHash); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidUser, a.Username, err)
	}
	if _, exists := u.byName[a.Username]; exists {
		return fmt.Errorf("%w: %s", ErrUsernameExists, a.Username)
	}

	user := &User{
		ID:           uuid.NewSHA1(userNamespace, []byte(a.Username)).String(),
		Username:     a.Username,
		PasswordHash: a.PasswordHash,
		Role:         role,
	}
	u.byName[user.Username] = user
	u.byID[user.ID] = user
	return nil
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords both return ErrInvalidCredentials.
func (u *Users) Authenticate(username, password string) (*User, error) {
	u.mu.RLock()
	user, ok := u.byName[username]
	u.mu.RUnlock()
	if !ok {
		// Same cost as a real check so response time does not reveal
		// which usernames exist.
		_, _ = HashPassword(password) //nolint:errcheck // timing only
		return nil, ErrInvalidCredentials
	}

	match, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}
	cp := *user
	return &cp, nil
}

// Get returns the user with the given ID.
func (u *Users) Get(id string) (*User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// List returns every user, sorted by username.
func (u *Users) List() []User {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]User, 0, len(u.byName))
	for _, user := range u.byName {
		out = append(out, *user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Len returns the number of accounts.
func (u *Users) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.byName)
}
