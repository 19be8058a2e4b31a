// Package auth implements access-token verification for dashboards and
// agents. Verification succeeds locally for well-known-key-signed JWTs and
// can fall back to the external identity service when one is configured.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal carried by a verified token.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Sentinel errors surfaced by verifiers.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Verifier validates an access token and yields the identity it carries
// together with its expiry. Implementations are stateless and safe for
// concurrent use.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, time.Time, error)
}

// TokenPair is a rotated credential set returned by a Refresher.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for a new token pair. When the caller
// holds no refresh token it submits the current access token instead; the
// identity service decides whether that mode is supported.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, accessToken string) (TokenPair, error)
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates tokens signed with a well-known key. Either an
// HS256 shared secret or an RS256 public key must be configured.
type JWTVerifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
}

// NewHMACVerifier creates a verifier for HS256-signed tokens.
func NewHMACVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// NewRSAVerifier creates a verifier for RS256-signed tokens.
func NewRSAVerifier(key *rsa.PublicKey) *JWTVerifier {
	return &JWTVerifier{publicKey: key}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, time.Time, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFunc,
		jwt.WithValidMethods([]string{"HS256", "RS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, time.Time{}, ErrTokenExpired
		}
		return Identity{}, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, time.Time{}, ErrInvalidToken
	}

	expiry := time.Time{}
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		return Identity{}, time.Time{}, ErrTokenExpired
	}

	return Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, expiry, nil
}

func (v *JWTVerifier) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.Alg() {
	case "HS256":
		if v.secret == nil {
			return nil, errors.New("auth: HS256 token but no shared secret configured")
		}
		return v.secret, nil
	case "RS256":
		if v.publicKey == nil {
			return nil, errors.New("auth: RS256 token but no public key configured")
		}
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", t.Method.Alg())
	}
}

// ChainVerifier tries each verifier in order and returns the first success.
// Expired tokens short-circuit: a token the local verifier recognises as
// expired is not retried remotely.
type ChainVerifier []Verifier

// Verify implements Verifier.
func (c ChainVerifier) Verify(ctx context.Context, token string) (Identity, time.Time, error) {
	var lastErr error = ErrInvalidToken
	for _, v := range c {
		id, expiry, err := v.Verify(ctx, token)
		if err == nil {
			return id, expiry, nil
		}
		if errors.Is(err, ErrTokenExpired) {
			return Identity{}, time.Time{}, err
		}
		lastErr = err
	}
	return Identity{}, time.Time{}, lastErr
}
