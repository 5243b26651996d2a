package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 24 * time.Hour

// TokenIssuer mints and checks per-session join tokens. A join token is an
// HS256 JWT scoped to one channel, handed out by POST /api/sessions and
// required on /ws when the relay has a secret configured.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

type joinClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issue returns a signed join token for the given session.
func (i *TokenIssuer) Issue(sessionID string) (string, error) {
	now := time.Now()
	claims := joinClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign join token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and that the token is scoped to
// sessionID.
func (i *TokenIssuer) Verify(tokenString, sessionID string) error {
	claims := &joinClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("parse join token: %w", err)
	}
	if claims.SessionID != sessionID {
		return fmt.Errorf("join token scoped to %q, not %q", claims.SessionID, sessionID)
	}
	return nil
}
