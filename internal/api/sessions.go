package api

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// sessionManager issues and verifies admin session tokens. Sessions are
// stateless HS256 JWTs, so there is no server-side session table to grow
// without bound. Invalidate rotates the signing secret, which voids every
// outstanding session at once.
type sessionManager struct {
	mu     sync.RWMutex
	secret []byte
	ttl    time.Duration
}

func newSessionManager(secret string, ttl time.Duration) *sessionManager {
	m := &sessionManager{ttl: ttl}
	if secret != "" {
		m.secret = []byte(secret)
	} else {
		m.secret = randomSecret()
	}
	return m
}

func randomSecret() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("failed to generate session secret: %v", err))
	}
	return key
}

// Issue signs a session token for the given admin username.
func (m *sessionManager) Issue(username string) (string, error) {
	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the admin username it was
// issued for.
func (m *sessionManager) Verify(tokenString string) (string, error) {
	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.Subject, nil
}

// Invalidate rotates the signing secret so every previously issued session
// stops verifying. Called after a password change.
func (m *sessionManager) Invalidate() {
	m.mu.Lock()
	m.secret = randomSecret()
	m.mu.Unlock()
}
