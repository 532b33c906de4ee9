// Package token implements stateless signing and verification of access and
// refresh tokens. The codec is a pure function of the token, the configured
// key material and the clock; revocation state lives elsewhere and must be
// consulted separately by anyone making a trust decision.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims carried by every issued token.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// Config for a Codec.
type Config struct {
	SigningKey []byte
	// Algorithm is pinned: tokens asserting any other algorithm are
	// rejected outright, there is no negotiation.
	Algorithm string
	Now       func() time.Time
}

// Codec signs and verifies tokens.
type Codec struct {
	key    []byte
	method jwt.SigningMethod
	parser *jwt.Parser
	now    func() time.Time
}

// NewCodec builds a codec with the configured pinned algorithm.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, apperrors.ConfigError("token signing key is empty", nil)
	}
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return nil, apperrors.ConfigError(fmt.Sprintf("unknown signing algorithm %q", cfg.Algorithm), nil)
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	// The algorithm pin lives in the keyfunc rather than WithValidMethods:
	// the parser's built-in check would report a foreign algorithm as a
	// signature failure, and we want the distinct error kind.
	parser := jwt.NewParser(
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	)

	return &Codec{
		key:    cfg.SigningKey,
		method: method,
		parser: parser,
		now:    now,
	}, nil
}

// Issue signs a fresh token of the given type with a newly generated jti.
func (c *Codec) Issue(subject, email string, permissions []string, tokenType string, ttl time.Duration) (string, *Claims, error) {
	if tokenType != TypeAccess && tokenType != TypeRefresh {
		return "", nil, apperrors.InternalError(fmt.Sprintf("unknown token type %q", tokenType), nil)
	}
	now := c.now()

	claims := &Claims{
		Email:       email,
		Permissions: permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.key)
	if err != nil {
		return "", nil, apperrors.InternalError("failed to sign token", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token against the pinned algorithm and the
// clock. It reports malformed tokens, expiry, bad signatures and foreign
// algorithms as distinct error kinds.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := c.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != c.method.Alg() {
			return nil, apperrors.TokenUnsupportedAlgorithmError(t.Method.Alg())
		}
		return c.key, nil
	})
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !parsed.Valid {
		return nil, apperrors.TokenInvalidError("token failed validation", nil)
	}
	if claims.TokenType != TypeAccess && claims.TokenType != TypeRefresh {
		return nil, apperrors.TokenInvalidError(fmt.Sprintf("unknown token type %q", claims.TokenType), nil)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, apperrors.TokenInvalidError("token is missing jti or sub", nil)
	}
	return claims, nil
}

func mapJWTError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		// Our own keyfunc rejection, e.g. a foreign algorithm.
		return appErr
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperrors.TokenMalformedError("", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.TokenExpiredError(err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.TokenInvalidSignatureError(err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.TokenUnsupportedAlgorithmError("unverifiable")
	default:
		return apperrors.TokenInvalidError("", err)
	}
}
