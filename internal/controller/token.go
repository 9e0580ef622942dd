package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaykit/segstream/internal/segment"
)

// JWTTokenProvider issues short-lived, signed delegation tokens scoped to
// a single segment when is_auth_enabled is set (spec ch.6). This stands
// in for the real controller-issued delegation token (ch.1 names
// delegation-token issuance itself out of scope); it exists so the
// setup-append path always has something non-empty to send when auth is
// on, and so reconnect logic has a real expiry to refresh against.
type JWTTokenProvider struct {
	secret []byte
	ttl    time.Duration

	mu    sync.Mutex
	cache map[segment.Scoped]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

func NewJWTTokenProvider(secret []byte, ttl time.Duration) *JWTTokenProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWTTokenProvider{
		secret: secret,
		ttl:    ttl,
		cache:  make(map[segment.Scoped]cachedToken),
	}
}

type segmentClaims struct {
	jwt.RegisteredClaims
	Segment string `json:"segment"`
}

func (p *JWTTokenProvider) Token(_ context.Context, s segment.Scoped) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.cache[s]; ok && time.Now().Before(t.expires.Add(-10*time.Second)) {
		return t.token, nil
	}

	now := time.Now()
	expires := now.Add(p.ttl)
	claims := segmentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Segment: s.String(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign delegation token for %s: %w", s, err)
	}

	p.cache[s] = cachedToken{token: signed, expires: expires}
	return signed, nil
}
