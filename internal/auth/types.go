package auth

import (
	"errors"
	"regexp"
	"slices"
)

// usernamePattern: alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read device descriptions, settings, status and history.
	RoleViewer Role = "viewer"

	// RoleOperator can also change settings and run acquisitions.
	RoleOperator Role = "operator"

	// RoleAdmin can also initialise and shut down devices and manage
	// dependencies.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid roles.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// User is an API account.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrUsernameExists     = errors.New("auth: username already exists")
	ErrInvalidUser        = errors.New("auth: invalid user")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrForbidden          = errors.New("auth: insufficient permissions")
)
