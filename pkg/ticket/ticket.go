// Package ticket implements the Approval Ticket Authority: minting,
// validating, and single-using the opaque tokens that resolve a
// pending_approval action.
//
// Externally a ticket is just an opaque, URL-safe, high-entropy string.
// Internally it is minted as a signed JWT. Verification first compares
// the presented token with the stored value in constant time — that
// comparison is what enforces single-use — and only then checks the
// signature and the action binding as a second filter.
package ticket

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid is returned when a presented token fails verification
// against the signing key or does not match the stored value.
var ErrInvalid = errors.New("ticket: invalid token")

// claims is the internal JWT payload. Tokens never expire (spec design
// choice, §4.3): there is deliberately no "exp" claim.
type claims struct {
	ActionID string `json:"action_id"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// Authority mints and verifies approval tokens with an HS256 signing key.
type Authority struct {
	key []byte
}

// NewAuthority constructs an Authority with the given HMAC signing key.
// A random key is generated if key is empty, which is appropriate for a
// single-process deployment but will invalidate outstanding tokens
// across a restart — callers that need durability across restarts
// should supply a stable key.
func NewAuthority(key []byte) (*Authority, error) {
	if len(key) == 0 {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("ticket: generate signing key: %w", err)
		}
		key = generated
	}
	return &Authority{key: key}, nil
}

// Mint produces a new opaque, single-use approval token bound to
// actionID. The returned string carries at least 128 bits of entropy
// in its nonce and is safe to embed in a URL.
func (a *Authority) Mint(actionID string) (string, error) {
	nonceBytes := make([]byte, 18) // 144 bits
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("ticket: generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(nonceBytes)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ActionID: actionID,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	})
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("ticket: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks that presented is a well-formed, validly signed token
// minted by this Authority for actionID, and that it matches stored
// byte-for-byte in constant time. Both checks must pass; stored is the
// value persisted on the action row (cleared on redemption by the
// caller in the same update that advances status).
func (a *Authority) Verify(presented, stored, actionID string) error {
	if stored == "" || presented == "" {
		return ErrInvalid
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) != 1 {
		return ErrInvalid
	}

	parsed, err := jwt.ParseWithClaims(presented, &claims{}, func(t *jwt.Token) (any, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !parsed.Valid {
		return ErrInvalid
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.ActionID != actionID {
		return ErrInvalid
	}
	return nil
}
