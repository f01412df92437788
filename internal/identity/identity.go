// Package identity verifies bearer tokens issued by the credential service.
package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"telemetry-service/internal/roles"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified subject of a token.
type Identity struct {
	SubjectID      string
	Role           string
	OrganizationID string
	Email          string
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

type Claims struct {
	Role      string `json:"role"`
	CompanyID string `json:"companyId,omitempty"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(keyData)
}

// JWTVerifier accepts tokens signed with exactly one configured key.
type JWTVerifier struct {
	key    any
	method string
}

func NewRS256Verifier(pubKey *rsa.PublicKey) *JWTVerifier {
	return &JWTVerifier{key: pubKey, method: jwt.SigningMethodRS256.Alg()}
}

func NewHS256Verifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{key: secret, method: jwt.SigningMethodHS256.Alg()}
}

func (v *JWTVerifier) Verify(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{v.method}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !roles.IsValidRole(claims.Role) {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return Identity{
		SubjectID:      claims.Subject,
		Role:           claims.Role,
		OrganizationID: claims.CompanyID,
		Email:          claims.Email,
	}, nil
}
