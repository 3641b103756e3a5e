package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Client tiers. Premium clients get the higher rate-limit band.
const (
	TierStandard = "standard"
	TierPremium  = "premium"
)

// JWTClaims is the token payload issued to API clients.
type JWTClaims struct {
	ClientID uuid.UUID `json:"client_id"`
	APIKey   string    `json:"api_key,omitempty"`
	Tier     string    `json:"tier"`
	jwt.RegisteredClaims
}

// AuthRequest exchanges an API key for a bearer token.
type AuthRequest struct {
	APIKey   string `json:"api_key" validate:"required"`
	ClientID string `json:"client_id,omitempty"`
}

type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Tier      string    `json:"tier"`
}

// RateLimitInfo is surfaced in X-RateLimit-* response headers.
type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"reset_time"`
}
