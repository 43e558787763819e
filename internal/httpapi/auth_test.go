package httpapi

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestJWTAuth tests basic JWT authentication functionality
func TestJWTAuth(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, expiresAt, err := auth.GenerateToken("test-client", false)
	if err != nil {
		t.Errorf("Expected no error generating token, got %v", err)
	}
	if token == "" {
		t.Error("Expected non-empty token")
	}
	if expiresAt.IsZero() {
		t.Error("Expected valid expiration time")
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Errorf("Expected no error validating token, got %v", err)
	}
	if claims == nil {
		t.Fatal("Expected claims to be returned")
	}
	if claims.ClientID != "test-client" {
		t.Errorf("Expected ClientID 'test-client', got '%s'", claims.ClientID)
	}
	if claims.IsAdmin {
		t.Error("Expected IsAdmin to be false")
	}
	if claims.Issuer != Issuer {
		t.Errorf("Expected issuer %q, got %q", Issuer, claims.Issuer)
	}

	if _, err = auth.ValidateToken("invalid-token"); err == nil {
		t.Error("Expected error for invalid token")
	}
	if _, err = auth.ValidateToken(""); err == nil {
		t.Error("Expected error for empty token")
	}
	if _, _, err = auth.GenerateToken("", false); err == nil {
		t.Error("Expected error for empty client ID")
	}
}

// TestJWTAuth_Claims tests admin claims, expiry and Bearer handling
func TestJWTAuth_Claims(t *testing.T) {
	auth := NewJWTAuth("claims-test-secret")

	t.Run("admin_token_generation", func(t *testing.T) {
		token, _, err := auth.GenerateToken("admin", true)
		if err != nil {
			t.Fatalf("Expected no error generating admin token, got %v", err)
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			t.Fatalf("Expected no error validating admin token, got %v", err)
		}
		if !claims.IsAdmin {
			t.Error("Expected IsAdmin to be true for admin token")
		}
	})

	t.Run("token_expiration_fields", func(t *testing.T) {
		_, expiresAt, err := auth.GenerateToken("expiry-test", false)
		if err != nil {
			t.Fatalf("Expected no error generating expiry test token, got %v", err)
		}

		expectedExpiry := time.Now().Add(DefaultTokenTTL)
		if diff := expiresAt.Sub(expectedExpiry).Abs(); diff > time.Minute {
			t.Errorf("Token expiration time off by more than 1 minute: %v", diff)
		}
	})

	t.Run("custom_ttl", func(t *testing.T) {
		short := NewJWTAuth("claims-test-secret").WithTTL(time.Minute)
		_, expiresAt, err := short.GenerateToken("short", false)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if diff := time.Until(expiresAt); diff > time.Minute || diff < 50*time.Second {
			t.Errorf("Expected expiry in about a minute, got %v", diff)
		}
	})

	t.Run("bearer_token_handling", func(t *testing.T) {
		token, _, err := auth.GenerateToken("bearer-test", false)
		if err != nil {
			t.Fatalf("Expected no error generating bearer test token, got %v", err)
		}

		claims, err := auth.ValidateToken("Bearer " + token)
		if err != nil {
			t.Errorf("Expected no error validating bearer token, got %v", err)
		}
		if claims == nil || claims.ClientID != "bearer-test" {
			t.Error("Bearer token validation failed")
		}
	})
}

// TestJWTAuth_Rejects tests tokens that must not validate
func TestJWTAuth_Rejects(t *testing.T) {
	auth := NewJWTAuth("right-secret")

	t.Run("wrong_secret", func(t *testing.T) {
		token, _, err := NewJWTAuth("wrong-secret").GenerateToken("client", false)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := auth.ValidateToken(token); err == nil {
			t.Error("Expected error for token signed with another secret")
		}
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-2 * time.Hour)
		claims := JWTClaims{
			ClientID: "client",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    Issuer,
				IssuedAt:  jwt.NewNumericDate(past),
				ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("right-secret"))
		if err != nil {
			t.Fatal(err)
		}
		_, err = auth.ValidateToken(token)
		if err == nil || !strings.Contains(err.Error(), "expired") {
			t.Errorf("Expected expiry error, got %v", err)
		}
	})

	t.Run("foreign_issuer", func(t *testing.T) {
		claims := JWTClaims{
			ClientID: "client",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("right-secret"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := auth.ValidateToken(token); err == nil {
			t.Error("Expected error for foreign issuer")
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		claims := JWTClaims{
			ClientID: "client",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    Issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := auth.ValidateToken(token); err == nil {
			t.Error("Expected error for alg none")
		}
	})
}
