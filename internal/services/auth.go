package services

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/pkg/models"
)

// AuthService issues and validates the JWTs that front the generation
// API. Sessions live on hot Redis so a revoked key stops working before
// the token expires.
type AuthService struct {
	config      *config.Config
	logger      *logrus.Logger
	redisClient *redis.Client
	jwtSecret   []byte
}

func NewAuthService(cfg *config.Config, logger *logrus.Logger, redisClient *redis.Client) *AuthService {
	return &AuthService{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
		jwtSecret:   []byte(cfg.Auth.JWTSecret),
	}
}

func (s *AuthService) GenerateToken(clientID uuid.UUID, apiKey, tier string) (string, error) {
	now := time.Now()
	claims := &models.JWTClaims{
		ClientID: clientID,
		APIKey:   apiKey,
		Tier:     tier,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.Auth.TokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "github.com/briefcast/briefcast",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	sessionKey := fmt.Sprintf("session:%s", clientID.String())
	err = s.redisClient.Set(context.Background(), sessionKey, tokenString, s.config.Auth.TokenTTL).Err()
	if err != nil {
		// Token issuance survives a Redis outage; revocation does not.
		s.logger.WithError(err).Warn("Failed to store session in Redis")
	}

	return tokenString, nil
}

// TokenTTL exposes the configured token lifetime for response shaping.
func (s *AuthService) TokenTTL() time.Duration {
	return s.config.Auth.TokenTTL
}

func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	sessionKey := fmt.Sprintf("session:%s", claims.ClientID.String())
	exists, err := s.redisClient.Exists(context.Background(), sessionKey).Result()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to check session in Redis")
	} else if exists == 0 {
		return nil, fmt.Errorf("session not found or expired")
	}

	return claims, nil
}

func (s *AuthService) RevokeToken(clientID uuid.UUID) error {
	sessionKey := fmt.Sprintf("session:%s", clientID.String())
	if err := s.redisClient.Del(context.Background(), sessionKey).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// ValidateAPIKey maps an API key to its tier. Key management lives with
// the billing system; this service only recognizes provisioned keys.
func (s *AuthService) ValidateAPIKey(apiKey string) (string, error) {
	apiKeyToTier := map[string]string{
		"demo-standard-key": models.TierStandard,
		"demo-premium-key":  models.TierPremium,
	}

	if tier, exists := apiKeyToTier[apiKey]; exists {
		return tier, nil
	}
	return "", fmt.Errorf("invalid API key")
}
