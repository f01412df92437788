package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"telemetry-service/internal/roles"
)

var secret = []byte("test-secret")

func sign(t *testing.T, method jwt.SigningMethod, key any, c Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, c).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claims(sub, role, company string, ttl time.Duration) Claims {
	return Claims{
		Role:      role,
		CompanyID: company,
		Email:     "someone@example.test",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func TestVerifyHS256(t *testing.T) {
	v := NewHS256Verifier(secret)
	tok := sign(t, jwt.SigningMethodHS256, secret, claims("u1", roles.OrgAdmin, "c1", time.Hour))
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.SubjectID != "u1" || id.Role != roles.OrgAdmin || id.OrganizationID != "c1" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	v := NewRS256Verifier(&key.PublicKey)
	tok := sign(t, jwt.SigningMethodRS256, key, claims("u2", roles.SystemAdmin, "", time.Hour))
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Role != roles.SystemAdmin || id.OrganizationID != "" {
		t.Fatalf("unexpected identity %+v", id)
	}

	// An HS256 token must not pass an RS256 verifier.
	hs := sign(t, jwt.SigningMethodHS256, secret, claims("u2", roles.SystemAdmin, "", time.Hour))
	if _, err := v.Verify(hs); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewHS256Verifier(secret)
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"expired", sign(t, jwt.SigningMethodHS256, secret, claims("u1", roles.Member, "c1", -time.Minute))},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other"), claims("u1", roles.Member, "c1", time.Hour))},
		{"missing subject", sign(t, jwt.SigningMethodHS256, secret, claims("", roles.Member, "c1", time.Hour))},
		{"unknown role", sign(t, jwt.SigningMethodHS256, secret, claims("u1", "superuser", "c1", time.Hour))},
		{"no expiry", sign(t, jwt.SigningMethodHS256, secret, Claims{Role: roles.Member, RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
