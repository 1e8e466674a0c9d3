package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned by VerifyPassword for a password_hash that is
// not an argon2id PHC string this package can check.
var ErrInvalidHash = errors.New("auth: invalid password hash")

// argon2id cost of newly hashed passwords: 3 passes over 64 MiB.
const (
	hashPasses  = 3
	hashMemKiB  = 64 * 1024
	hashThreads = 1
	hashLen     = 32
	saltLen     = 16
)

var b64 = base64.RawStdEncoding

// phc is a decoded $argon2id$ string.
type phc struct {
	memKiB  uint32
	passes  uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (p phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memKiB, p.passes, p.threads, b64.EncodeToString(p.salt), b64.EncodeToString(p.key))
}

func (p phc) derive(password string) []byte {
	return argon2.IDKey([]byte(password), p.salt, p.passes, p.memKiB, p.threads, uint32(len(p.key))) //nolint:gosec // key length is small
}

// HashPassword returns an argon2id PHC string for password, the form
// security.users[].password_hash expects.
func HashPassword(password string) (string, error) {
	p := phc{memKiB: hashMemKiB, passes: hashPasses, threads: hashThreads, salt: make([]byte, saltLen)}
	if _, err := rand.Read(p.salt); err != nil {
		return "", fmt.Errorf("auth: reading salt: %w", err)
	}
	// derive sizes its output by len(key).
	p.key = make([]byte, hashLen)
	p.key = p.derive(password)
	return p.String(), nil
}

// VerifyPassword reports whether password matches encoded. The comparison
// is constant time; the cost parameters are taken from encoded.
func VerifyPassword(password, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(p.key, p.derive(password)) == 1, nil
}

func parsePHC(s string) (phc, error) {
	var p phc

	fields := strings.Split(strings.TrimPrefix(s, "$"), "$")
	if len(fields) != 5 || fields[0] != "argon2id" {
		return p, fmt.Errorf("%w: not an argon2id PHC string", ErrInvalidHash)
	}

	var version int
	if _, err := fmt.Sscanf(fields[1], "v=%d", &version); err != nil || version != argon2.Version {
		return p, fmt.Errorf("%w: version %q", ErrInvalidHash, fields[1])
	}
	if _, err := fmt.Sscanf(fields[2], "m=%d,t=%d,p=%d", &p.memKiB, &p.passes, &p.threads); err != nil {
		return p, fmt.Errorf("%w: parameters %q", ErrInvalidHash, fields[2])
	}
	if p.passes == 0 || p.threads == 0 {
		return p, fmt.Errorf("%w: zero cost parameter", ErrInvalidHash)
	}

	var err error
	if p.salt, err = b64.DecodeString(fields[3]); err != nil {
		return p, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	if p.key, err = b64.DecodeString(fields[4]); err != nil || len(p.key) == 0 {
		return p, fmt.Errorf("%w: key", ErrInvalidHash)
	}
	return p, nil
}
