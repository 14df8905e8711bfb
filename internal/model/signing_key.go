package model

import "time"

// SigningKey is a token signing key as persisted by a KeyStore. Hybrid keys
// carry the Ed25519 and ML-DSA-65 halves concatenated with a length prefix.
type SigningKey struct {
	ID         string     `json:"id"`
	Algorithm  string     `json:"algorithm"`
	PublicKey  []byte     `json:"-"`
	PrivateKey []byte     `json:"-"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"createdAt"`
	RetiredAt  *time.Time `json:"retiredAt,omitempty"`
	// VerifyUntil bounds how long tokens signed by a retired key are accepted.
	VerifyUntil time.Time `json:"verifyUntil"`
}

// SigningKeyInfo is the public view of a signing key.
type SigningKeyInfo struct {
	ID          string     `json:"id"`
	Algorithm   string     `json:"algorithm"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	RetiredAt   *time.Time `json:"retiredAt,omitempty"`
	VerifyUntil time.Time  `json:"verifyUntil"`
}

// Info strips private material.
func (k *SigningKey) Info() SigningKeyInfo {
	return SigningKeyInfo{
		ID:          k.ID,
		Algorithm:   k.Algorithm,
		Active:      k.Active,
		CreatedAt:   k.CreatedAt,
		RetiredAt:   k.RetiredAt,
		VerifyUntil: k.VerifyUntil,
	}
}
