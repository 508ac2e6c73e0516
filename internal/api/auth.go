package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/serena/serena-cli/internal/config"
)

// TokenSource yields the bearer token for the next request. An empty token
// sends no Authorization header.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// JWTSource mints a short-lived HS256 token per request.
type JWTSource struct {
	Secret  []byte
	Subject string
	TTL     time.Duration
	Now     func() time.Time
}

func (s *JWTSource) Token() (string, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	issued := now()

	claims := jwt.RegisteredClaims{
		Subject:   s.Subject,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// TokenSourceFor picks the token source configured in cfg, or nil when
// the service needs no authentication.
func TokenSourceFor(cfg config.APIConfig, subject string) TokenSource {
	switch {
	case cfg.Token != "":
		return StaticToken(cfg.Token)
	case cfg.JWTSecret != "":
		return &JWTSource{Secret: []byte(cfg.JWTSecret), Subject: subject, TTL: cfg.JWTTTL}
	default:
		return nil
	}
}

// AuthTransport adds a bearer token to requests made outside Client, such
// as the signal stream.
type AuthTransport struct {
	Tokens TokenSource
	Base   http.RoundTripper
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Tokens == nil {
		return base.RoundTrip(req)
	}
	token, err := t.Tokens.Token()
	if err != nil {
		return nil, err
	}
	if token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return base.RoundTrip(req)
}
