// Package auth issues and checks the single-use tokens that gate /offer.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"landmarkrtc/pkg/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired or already used")
)

// Manager handles offer token issuance and validation
type Manager struct {
	tokens map[string]*models.OfferToken // token -> OfferToken
	mu     sync.RWMutex

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration

	now func() time.Time
}

// New creates a new auth manager. defaultTTL applies when a request does not
// ask for a lifetime; maxTTL caps what a request may ask for.
func New(defaultTTL, maxTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if maxTTL < defaultTTL {
		maxTTL = defaultTTL
	}
	return &Manager{
		tokens:            make(map[string]*models.OfferToken),
		defaultExpiration: defaultTTL,
		maxExpiration:     maxTTL,
		now:               time.Now,
	}
}

// GenerateOfferToken creates a new single-use offer token
func (m *Manager) GenerateOfferToken(expiresIn time.Duration, clientIP string) (*models.OfferToken, error) {
	// Generate secure random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	expiration := expiresIn
	if expiration <= 0 {
		expiration = m.defaultExpiration
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &models.OfferToken{
		Token:     hex.EncodeToString(tokenBytes),
		CreatedAt: now,
		ExpiresAt: now.Add(expiration),
		IssuedTo:  clientIP,
	}

	m.mu.Lock()
	m.tokens[token.Token] = token
	m.mu.Unlock()

	return token, nil
}

// ValidateAndConsume checks a token and marks it used. A token can be
// consumed once.
func (m *Manager) ValidateAndConsume(tokenString string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[tokenString]
	if !exists {
		return ErrInvalidToken
	}

	if !token.IsValid(m.now()) {
		return ErrTokenExpired
	}

	token.IsUsed = true
	return nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes expired and used tokens and returns how many
// were removed
func (m *Manager) CleanupExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for tokenString, token := range m.tokens {
		if token.IsUsed || now.After(token.ExpiresAt) {
			delete(m.tokens, tokenString)
			removed++
		}
	}
	return removed
}

// GetTokenCount returns the number of tracked tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
