package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexbotov/slotgate/internal/config"
)

func newTestService() *Service {
	return New(&config.AuthConfig{JWTSecret: "test-secret", TokenExpiry: time.Hour, Issuer: "slotgate"})
}

func TestIssueAndValidate(t *testing.T) {
	svc := newTestService()

	token, expiresAt, err := svc.IssueToken("player-1", "EUR")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Errorf("Expected expiry about an hour ahead, got %v", expiresAt)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.PlayerID != "player-1" || claims.Currency != "EUR" || claims.Subject != "player-1" {
		t.Errorf("Unexpected claims %+v", claims)
	}
}

func TestValidateToken(t *testing.T) {
	svc := newTestService()

	t.Run("MissingPlayer", func(t *testing.T) {
		if _, _, err := svc.IssueToken("", "EUR"); !errors.Is(err, ErrMissingPlayer) {
			t.Errorf("Expected ErrMissingPlayer, got %v", err)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		past := newTestService()
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, _, _ := past.IssueToken("player-1", "EUR")
		if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("Expected ErrTokenExpired, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := New(&config.AuthConfig{JWTSecret: "other", TokenExpiry: time.Hour, Issuer: "slotgate"})
		token, _, _ := other.IssueToken("player-1", "EUR")
		if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("WrongIssuer", func(t *testing.T) {
		other := New(&config.AuthConfig{JWTSecret: "test-secret", TokenExpiry: time.Hour, Issuer: "someone-else"})
		token, _, _ := other.IssueToken("player-1", "EUR")
		if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("NoneAlgorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{PlayerID: "player-1"})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString failed: %v", err)
		}
		if _, err := svc.ValidateToken(signed); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		if _, err := svc.ValidateToken("not.a.token"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})
}
