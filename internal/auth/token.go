// Package auth issues and verifies access tokens carrying an integer user id.
//
// Session handling proper belongs to the surrounding application; this package only
// resolves a bearer token into the already-authenticated user id.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
)

// Leeway tolerates clock skew between token issuer and verifier.
const Leeway = 30 * time.Second

// Tokens signs and verifies HS256 tokens whose subject is the decimal user id.
type Tokens struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewTokens constructs a token codec.
func NewTokens(signKey []byte, ttl time.Duration) *Tokens {
	return &Tokens{signKey: signKey, ttl: ttl, now: time.Now}
}

// Issue creates a signed token for userID and returns it with its expiry.
func (t *Tokens) Issue(userID int64) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: user id must be positive", errs.ErrInvalid)
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signKey)
	return signed, exp, err
}

// Verify checks signature, algorithm and validity window and returns the subject user id.
// Every failure is reported as errs.ErrUnauthorized.
func (t *Tokens) Verify(token string) (int64, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tk *jwt.Token) (any, error) {
		if tk.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.signKey, nil
	}, jwt.WithLeeway(Leeway), jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	v := strings.TrimSpace(header)
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(v[7:])
	return tok, tok != ""
}
