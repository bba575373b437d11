// Package auth issues and validates the bearer tokens of first-party API
// callers. Players are authenticated by the operator platform; this package
// only proves that a request speaks for a given player id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexbotov/slotgate/internal/config"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingPlayer = errors.New("player id is required")
)

// Claims are the token claims
type Claims struct {
	PlayerID string `json:"player_id"`
	Currency string `json:"currency,omitempty"`
	jwt.RegisteredClaims
}

// Service provides token functionality
type Service struct {
	secret []byte
	expiry time.Duration
	issuer string
	now    func() time.Time
}

// New creates a new auth service
func New(cfg *config.AuthConfig) *Service {
	return &Service{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.TokenExpiry,
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// IssueToken signs a token for playerID
func (s *Service) IssueToken(playerID, currency string) (string, time.Time, error) {
	if playerID == "" {
		return "", time.Time{}, ErrMissingPlayer
	}

	now := s.now()
	expiresAt := now.Add(s.expiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		PlayerID: playerID,
		Currency: currency,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and verifies a token
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.PlayerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
