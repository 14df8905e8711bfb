// Package hybrid registers a JWT signing method that signs with Ed25519 and
// ML-DSA-65 at once. A token verifies only if both signatures are valid.
//
// Signature layout:
//
//	[2-byte big-endian Ed25519 signature length] || Ed25519 sig || ML-DSA-65 sig
package hybrid

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/golang-jwt/jwt/v5"
)

// AlgName is the JWT "alg" header value.
const AlgName = "EdDSA+ML-DSA-65"

var (
	errShortSignature     = errors.New("hybrid: signature too short")
	errMalformedSignature = errors.New("hybrid: malformed signature")
	errMalformedKey       = errors.New("hybrid: malformed key encoding")
)

type signingMethod struct{}

// SigningMethod is registered with jwt under AlgName.
var SigningMethod jwt.SigningMethod = &signingMethod{}

func init() {
	jwt.RegisterSigningMethod(AlgName, func() jwt.SigningMethod { return SigningMethod })
}

func (m *signingMethod) Alg() string { return AlgName }

// KeyPair holds both private keys and their public halves.
type KeyPair struct {
	EdPrivate ed25519.PrivateKey
	PQPrivate *mldsa65.PrivateKey
}

// PublicKey holds both verification keys.
type PublicKey struct {
	Ed ed25519.PublicKey
	PQ *mldsa65.PublicKey
}

// GenerateKeyPair creates fresh Ed25519 and ML-DSA-65 keys.
func GenerateKeyPair() (*KeyPair, error) {
	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 keygen: %w", err)
	}
	_, pqPriv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ml-dsa-65 keygen: %w", err)
	}
	return &KeyPair{EdPrivate: edPriv, PQPrivate: pqPriv}, nil
}

// Public returns the verification half of the pair.
func (kp *KeyPair) Public() *PublicKey {
	return &PublicKey{
		Ed: kp.EdPrivate.Public().(ed25519.PublicKey),
		PQ: kp.PQPrivate.Public().(*mldsa65.PublicKey),
	}
}

// Sign implements jwt.SigningMethod. key must be *KeyPair.
func (m *signingMethod) Sign(signingString string, key any) ([]byte, error) {
	kp, ok := key.(*KeyPair)
	if !ok {
		return nil, fmt.Errorf("hybrid sign: expected *KeyPair, got %T", key)
	}

	msg := []byte(signingString)
	edSig := ed25519.Sign(kp.EdPrivate, msg)
	pqSig, err := kp.PQPrivate.Sign(rand.Reader, msg, crypto.Hash(0))
	if err != nil {
		return nil, fmt.Errorf("ml-dsa-65 sign: %w", err)
	}

	return joinWithPrefix(edSig, pqSig), nil
}

// Verify implements jwt.SigningMethod. key must be *PublicKey.
func (m *signingMethod) Verify(signingString string, sig []byte, key any) error {
	pk, ok := key.(*PublicKey)
	if !ok {
		return fmt.Errorf("hybrid verify: expected *PublicKey, got %T", key)
	}
	if len(sig) < 4 {
		return errShortSignature
	}

	edSig, pqSig, err := splitWithPrefix(sig)
	if err != nil {
		return errMalformedSignature
	}

	msg := []byte(signingString)
	if !ed25519.Verify(pk.Ed, msg, edSig) {
		return errors.New("hybrid verify: Ed25519 signature invalid")
	}
	if !mldsa65.Verify(pk.PQ, msg, nil, pqSig) {
		return errors.New("hybrid verify: ML-DSA-65 signature invalid")
	}
	return nil
}

// MarshalPrivate encodes the pair for storage.
func (kp *KeyPair) MarshalPrivate() []byte {
	pq, _ := kp.PQPrivate.MarshalBinary()
	return joinWithPrefix(kp.EdPrivate, pq)
}

// MarshalPublic encodes the public key for storage.
func (pk *PublicKey) MarshalPublic() []byte {
	pq, _ := pk.PQ.MarshalBinary()
	return joinWithPrefix(pk.Ed, pq)
}

// UnmarshalPrivate decodes a pair produced by MarshalPrivate.
func UnmarshalPrivate(b []byte) (*KeyPair, error) {
	ed, pq, err := splitWithPrefix(b)
	if err != nil || len(ed) != ed25519.PrivateKeySize {
		return nil, errMalformedKey
	}
	var pqKey mldsa65.PrivateKey
	if err := pqKey.UnmarshalBinary(pq); err != nil {
		return nil, fmt.Errorf("hybrid: ml-dsa-65 private key: %w", err)
	}
	return &KeyPair{EdPrivate: ed25519.PrivateKey(ed), PQPrivate: &pqKey}, nil
}

// UnmarshalPublic decodes a key produced by MarshalPublic.
func UnmarshalPublic(b []byte) (*PublicKey, error) {
	ed, pq, err := splitWithPrefix(b)
	if err != nil || len(ed) != ed25519.PublicKeySize {
		return nil, errMalformedKey
	}
	var pqKey mldsa65.PublicKey
	if err := pqKey.UnmarshalBinary(pq); err != nil {
		return nil, fmt.Errorf("hybrid: ml-dsa-65 public key: %w", err)
	}
	return &PublicKey{Ed: ed25519.PublicKey(ed), PQ: &pqKey}, nil
}

func joinWithPrefix(first, second []byte) []byte {
	out := make([]byte, 2+len(first)+len(second))
	binary.BigEndian.PutUint16(out[:2], uint16(len(first)))
	copy(out[2:], first)
	copy(out[2+len(first):], second)
	return out
}

func splitWithPrefix(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errMalformedKey
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if 2+n > len(b) {
		return nil, nil, errMalformedKey
	}
	return b[2 : 2+n], b[2+n:], nil
}
