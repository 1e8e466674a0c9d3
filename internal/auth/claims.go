package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "microscope-core"

	defaultTokenTTL = time.Hour
)

// Claims are the contents of an access token. The subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"name"`
	Role     Role   `json:"role"`
}

// IssueAccessToken signs an HS256 access token for user that expires after
// ttlMinutes, or after an hour when ttlMinutes is not positive.
func IssueAccessToken(user *User, secret string, ttlMinutes int) (token string, expires time.Time, err error) {
	ttl := defaultTokenTTL
	if ttlMinutes > 0 {
		ttl = time.Duration(ttlMinutes) * time.Minute
	}

	now := time.Now()
	expires = now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Username: user.Username,
		Role:     user.Role,
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}
	return token, expires, nil
}

var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithIssuer(issuer),
	jwt.WithExpirationRequired(),
)

// ParseAccessToken verifies token against secret. Every failure wraps
// ErrTokenInvalid.
func ParseAccessToken(token, secret string) (*Claims, error) {
	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	switch {
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: no subject", ErrTokenInvalid)
	case !IsValidRole(claims.Role):
		return nil, fmt.Errorf("%w: role %q", ErrTokenInvalid, claims.Role)
	}
	return &claims, nil
}
