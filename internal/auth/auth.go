// Package auth verifies clinician bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified subject of a clinician token.
type Identity struct {
	UID   string
	Email string
}

// Config configures token verification. TokenSecret is required for
// any authenticated route; Issuer is enforced only when set.
type Config struct {
	TokenSecret string
	Issuer      string
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, errors.New("auth token secret is required")
	}
	return &Verifier{secret: []byte(cfg.TokenSecret), issuer: cfg.Issuer}, nil
}

type claims struct {
	UID   string `json:"uid,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates a raw HS256 token and returns its
// identity. The uid claim wins over sub when both are present.
func (v *Verifier) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrNoToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid := c.UID
	if uid == "" {
		uid = c.Subject
	}
	if uid == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Identity{UID: uid, Email: c.Email}, nil
}

// FromHeader extracts and verifies a token from an Authorization
// header value ("Bearer <token>").
func (v *Verifier) FromHeader(header string) (Identity, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Identity{}, ErrNoToken
	}
	return v.Verify(strings.TrimSpace(header[len(prefix):]))
}
