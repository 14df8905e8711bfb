package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/servicedesk/authcore/internal/auth/hybrid"
)

// Signing algorithms understood by the token service.
const (
	AlgorithmHybrid  = "hybrid"
	AlgorithmEd25519 = "ed25519"
)

// ErrInvalidToken wraps every token parsing or verification failure.
var ErrInvalidToken = errors.New("invalid or expired token")

// KeyProvider supplies signing and verification keys.
// Implemented by service.KeyService.
type KeyProvider interface {
	// SigningKey returns the active key. key is ed25519.PrivateKey or *hybrid.KeyPair.
	SigningKey() (keyID, algorithm string, key any, err error)
	// VerificationKey returns a public key by ID. key is ed25519.PublicKey or *hybrid.PublicKey.
	VerificationKey(keyID string) (algorithm string, key any, err error)
}

// TokenClaims are the claims carried by an access token.
type TokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Role      string `json:"role,omitempty"`
}

// TokenService signs and validates access tokens.
type TokenService struct {
	issuer string
	keys   KeyProvider
	now    func() time.Time
}

// NewTokenService creates a TokenService. now may be nil for wall-clock time.
func NewTokenService(issuer string, keys KeyProvider, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenService{issuer: issuer, keys: keys, now: now}
}

// Sign issues an access token for a session.
func (s *TokenService) Sign(accountID, sessionID, role string, issuedAt, expiresAt time.Time) (string, error) {
	keyID, algorithm, key, err := s.keys.SigningKey()
	if err != nil {
		return "", fmt.Errorf("failed to get signing key: %w", err)
	}

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		SessionID: sessionID,
		Role:      role,
	}

	var method jwt.SigningMethod
	switch algorithm {
	case AlgorithmHybrid:
		method = hybrid.SigningMethod
	case AlgorithmEd25519:
		method = jwt.SigningMethodEdDSA
	default:
		return "", fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token (%s): %w", algorithm, err)
	}
	return signed, nil
}

// Validate parses an access token and verifies its signature, issuer and expiry.
func (s *TokenService) Validate(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{hybrid.AlgName, jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	keyID, _ := token.Header["kid"].(string)
	algorithm, key, err := s.keys.VerificationKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("key not found: %w", err)
	}

	switch token.Method.Alg() {
	case hybrid.AlgName:
		if algorithm != AlgorithmHybrid {
			return nil, fmt.Errorf("algorithm mismatch: token=%s key=%s", hybrid.AlgName, algorithm)
		}
		return key, nil
	case jwt.SigningMethodEdDSA.Alg():
		switch k := key.(type) {
		case ed25519.PublicKey:
			return k, nil
		case *hybrid.PublicKey:
			return k.Ed, nil
		}
		return nil, fmt.Errorf("unexpected key type for EdDSA: %T", key)
	}
	return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
}

// HashToken returns the hex SHA-256 of a token for storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateOpaqueToken returns n random bytes hex encoded.
func GenerateOpaqueToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ConstantTimeEqual compares two secrets without leaking timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
