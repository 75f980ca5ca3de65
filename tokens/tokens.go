// Package tokens issues and verifies the broker's internal tokens.
//
// An internal token is a signed HS256 claim set carrying nothing but a
// token record reference and a type tag ("access" or "refresh"). It never
// embeds upstream credentials: possession of a signature-valid,
// type-matching, unexpired token whose token_id still resolves in the
// token record store is what authorizes use of the underlying upstream
// credential.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type tags carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Default lifetimes. Access tokens usually mirror the upstream token's
// lifetime instead; refresh tokens are long-lived and one-time-use via
// rotation.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 365 * 24 * time.Hour
)

var (
	// ErrInvalidToken is returned for malformed, tampered, expired, or
	// wrong-issuer tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrWrongType is returned when the token verifies but its "typ"
	// claim does not match the expected type.
	ErrWrongType = errors.New("wrong token type")
)

// Claims is the full claim set of an internal token.
type Claims struct {
	TokenID string `json:"token_id"`
	Type    string `json:"typ"`
	jwt.RegisteredClaims
}

// Config configures an Issuer.
type Config struct {
	// Secret is the HMAC signing key (required).
	Secret []byte

	// Issuer is the value of the "iss" claim, normally the broker's base
	// URL (required).
	Issuer string

	// AccessTTL is the default access token lifetime. Default: 1 hour.
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime. Default: 1 year.
	RefreshTTL time.Duration

	// Now overrides the time source (for testing).
	Now func() time.Time
}

// Issuer signs and verifies internal tokens.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates a token issuer from cfg.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}, nil
}

// IssueAccess signs an access token for tokenID. A non-zero ttl overrides
// the configured default, which lets the broker mirror the upstream
// token's remaining lifetime.
func (i *Issuer) IssueAccess(tokenID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = i.accessTTL
	}
	return i.sign(tokenID, TypeAccess, ttl)
}

// IssueRefresh signs a refresh token for tokenID.
func (i *Issuer) IssueRefresh(tokenID string) (string, error) {
	return i.sign(tokenID, TypeRefresh, i.refreshTTL)
}

func (i *Issuer) sign(tokenID, typ string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		TokenID: tokenID,
		Type:    typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, nil
}

// VerifyAccess verifies signature, issuer, expiry, and type "access".
func (i *Issuer) VerifyAccess(token string) (*Claims, error) {
	return i.verify(token, TypeAccess)
}

// VerifyRefresh verifies signature, issuer, expiry, and type "refresh".
func (i *Issuer) VerifyRefresh(token string) (*Claims, error) {
	return i.verify(token, TypeRefresh)
}

func (i *Issuer) verify(token, expectedType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Type != expectedType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, claims.Type, expectedType)
	}
	if claims.TokenID == "" {
		return nil, fmt.Errorf("%w: missing token_id claim", ErrInvalidToken)
	}
	return claims, nil
}
