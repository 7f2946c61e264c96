package models

import "time"

// OfferToken authorises a single /offer call
type OfferToken struct {
	Token     string    // The actual token string
	CreatedAt time.Time // When token was created
	ExpiresAt time.Time // When token expires
	IssuedTo  string    // IP address that requested the token
	IsUsed    bool      // Whether token has been used
}

// IsValid checks if the token can still be used at now
func (t *OfferToken) IsValid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// TokenRequest represents a request to create an offer token
type TokenRequest struct {
	ExpiresIn int `json:"expiresIn"` // Seconds until expiration (default from config)
}

// TokenResponse represents the response to a token request
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}
