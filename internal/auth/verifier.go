// Package auth verifies the HS256 bearer tokens that front every control
// route and the websocket handshake.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoTeam rejects tokens that carry no tenant.
var ErrNoTeam = errors.New("auth: token missing team_id claim")

// Identity is the authenticated principal scoping a request.
type Identity struct {
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
}

// Claims is the token payload hive issues and accepts.
type Claims struct {
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
	jwt.RegisteredClaims
}

// Verifier checks and mints HS256 tokens with a shared secret.
type Verifier struct {
	secret    []byte
	nowFunc   func() time.Time
	anonymous *Identity
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithNow overrides the clock used for expiry checks.
func WithNow(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.nowFunc = now }
}

// WithAnonymous lets tokenless requests act as id. It backs
// USER_DB_TYPE=none deployments that run without a user database;
// token-carrying requests are still verified normally.
func WithAnonymous(id Identity) VerifierOption {
	return func(v *Verifier) { v.anonymous = &id }
}

// NewVerifier builds a verifier around the shared signing secret.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret:  []byte(secret),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Anonymous returns the identity granted to tokenless callers, when one
// is configured.
func (v *Verifier) Anonymous() (Identity, bool) {
	if v.anonymous == nil {
		return Identity{}, false
	}
	return *v.anonymous, true
}

// Verify parses a compact token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.nowFunc),
	)
	if err != nil {
		return Identity{}, err
	}
	if claims.TeamID == "" {
		return Identity{}, ErrNoTeam
	}
	return Identity{UserID: claims.UserID, TeamID: claims.TeamID}, nil
}

// Sign mints a token for an identity. A non-positive ttl leaves the token
// without an expiry.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.nowFunc()
	claims := Claims{
		UserID: id.UserID,
		TeamID: id.TeamID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
