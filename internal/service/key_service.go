package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/auth/hybrid"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// Key-related errors.
var (
	ErrNoActiveKey = errors.New("no active signing key found")
	ErrKeyNotFound = errors.New("signing key not found")
)

const (
	// DefaultKeyRotationPeriod applies when no rotation period is configured.
	DefaultKeyRotationPeriod = 90 * 24 * time.Hour
	// KeyVerificationWindow is how long a retired key still verifies tokens.
	// It must exceed the longest access token lifetime.
	KeyVerificationWindow = 7 * 24 * time.Hour
)

// KeyService manages the signing key ring and implements auth.KeyProvider.
type KeyService struct {
	store          repository.KeyStore
	rotationPeriod time.Duration
	clock          Clock
	log            *logger.Logger

	mu        sync.RWMutex
	algorithm string
	active    *cachedKey
	verify    map[string]*cachedKey
}

var _ auth.KeyProvider = (*KeyService)(nil)

// cachedKey holds a decoded key in memory.
type cachedKey struct {
	id        string
	algorithm string
	signer    any // ed25519.PrivateKey or *hybrid.KeyPair, nil for retired keys
	verifier  any // ed25519.PublicKey or *hybrid.PublicKey
	createdAt time.Time
}

// NewKeyService creates a new KeyService.
func NewKeyService(store repository.KeyStore, rotationPeriod time.Duration, clock Clock, log *logger.Logger) *KeyService {
	if rotationPeriod <= 0 {
		rotationPeriod = DefaultKeyRotationPeriod
	}
	return &KeyService{
		store:          store,
		rotationPeriod: rotationPeriod,
		clock:          clockOrSystem(clock),
		log:            log.WithComponent("key_service"),
		verify:         make(map[string]*cachedKey),
	}
}

// Initialize loads or creates the active signing key. Call this at startup.
func (s *KeyService) Initialize(ctx context.Context, algorithm string) error {
	if algorithm == "" {
		algorithm = auth.AlgorithmHybrid
	}
	s.mu.Lock()
	s.algorithm = algorithm
	s.mu.Unlock()

	key, err := s.store.GetActive(ctx, algorithm)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.log.Info().Str("algorithm", algorithm).Msg("no active signing key found, generating new one")
		if _, err := s.generateAndStore(ctx, algorithm); err != nil {
			return fmt.Errorf("failed to generate initial key: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to load active key: %w", err)
	case s.clock.Now().Sub(key.CreatedAt) > s.rotationPeriod:
		s.log.Info().Str("key_id", key.ID).Msg("active key needs rotation")
		if _, err := s.RotateKey(ctx); err != nil {
			return fmt.Errorf("failed to rotate expired key: %w", err)
		}
	}

	return s.Reload(ctx)
}

// Reload refreshes the in-memory key ring from the store, picking up
// rotations done by other instances.
func (s *KeyService) Reload(ctx context.Context) error {
	s.mu.RLock()
	algorithm := s.algorithm
	s.mu.RUnlock()

	keys, err := s.store.ListVerification(ctx, algorithm, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to load verification keys: %w", err)
	}

	verify := make(map[string]*cachedKey, len(keys))
	var active *cachedKey
	for _, k := range keys {
		ck, err := decodeKey(k)
		if err != nil {
			s.log.Warn().Err(err).Str("key_id", k.ID).Msg("skipping unreadable signing key")
			continue
		}
		verify[ck.id] = ck
		if k.Active && ck.signer != nil && (active == nil || ck.createdAt.After(active.createdAt)) {
			active = ck
		}
	}

	s.mu.Lock()
	s.verify = verify
	if active != nil {
		s.active = active
	}
	s.mu.Unlock()

	s.log.Debug().Int("count", len(verify)).Msg("loaded verification keys")
	return nil
}

// SigningKey returns the active key.
func (s *KeyService) SigningKey() (string, string, any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return "", "", nil, ErrNoActiveKey
	}
	return s.active.id, s.active.algorithm, s.active.signer, nil
}

// VerificationKey returns the public key with the given ID.
func (s *KeyService) VerificationKey(keyID string) (string, any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ck, ok := s.verify[keyID]; ok {
		return ck.algorithm, ck.verifier, nil
	}
	if s.active != nil && s.active.id == keyID {
		return s.active.algorithm, s.active.verifier, nil
	}
	return "", nil, ErrKeyNotFound
}

// RotateKey retires the active key and generates a new one. Tokens signed by
// the retired key keep verifying for KeyVerificationWindow.
func (s *KeyService) RotateKey(ctx context.Context) (*model.SigningKeyInfo, error) {
	s.mu.RLock()
	algorithm := s.algorithm
	s.mu.RUnlock()

	now := s.clock.Now()
	if err := s.store.Retire(ctx, algorithm, now, now.Add(KeyVerificationWindow)); err != nil {
		return nil, fmt.Errorf("failed to retire signing keys: %w", err)
	}

	info, err := s.generateAndStore(ctx, algorithm)
	if err != nil {
		return nil, err
	}

	if err := s.Reload(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to reload verification keys after rotation")
	}

	s.log.Info().Str("new_key_id", info.ID).Str("algorithm", algorithm).Msg("signing key rotated")
	return info, nil
}

// ListKeys returns public info for every stored key.
func (s *KeyService) ListKeys(ctx context.Context) ([]model.SigningKeyInfo, error) {
	keys, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}
	infos := make([]model.SigningKeyInfo, len(keys))
	for i, k := range keys {
		infos[i] = k.Info()
	}
	return infos, nil
}

// NeedsRotation reports whether the active key is older than the rotation period.
func (s *KeyService) NeedsRotation() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return true
	}
	return s.clock.Now().Sub(s.active.createdAt) > s.rotationPeriod
}

func (s *KeyService) generateAndStore(ctx context.Context, algorithm string) (*model.SigningKeyInfo, error) {
	now := s.clock.Now()
	key := &model.SigningKey{
		ID:          generateID("sk"),
		Algorithm:   algorithm,
		Active:      true,
		CreatedAt:   now,
		VerifyUntil: now.Add(s.rotationPeriod + KeyVerificationWindow),
	}

	ck := &cachedKey{id: key.ID, algorithm: algorithm, createdAt: now}

	switch algorithm {
	case auth.AlgorithmHybrid:
		kp, err := hybrid.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate hybrid key pair: %w", err)
		}
		key.PublicKey = kp.Public().MarshalPublic()
		key.PrivateKey = kp.MarshalPrivate()
		ck.signer = kp
		ck.verifier = kp.Public()

	case auth.AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
		}
		key.PublicKey = pub
		key.PrivateKey = priv
		ck.signer = priv
		ck.verifier = pub

	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}

	// TODO: wrap PrivateKey with a KEK before it reaches the store.
	if err := s.store.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}

	s.mu.Lock()
	s.active = ck
	s.verify[ck.id] = ck
	s.mu.Unlock()

	info := key.Info()
	return &info, nil
}

func decodeKey(k *model.SigningKey) (*cachedKey, error) {
	ck := &cachedKey{id: k.ID, algorithm: k.Algorithm, createdAt: k.CreatedAt}

	switch k.Algorithm {
	case auth.AlgorithmHybrid:
		pub, err := hybrid.UnmarshalPublic(k.PublicKey)
		if err != nil {
			return nil, err
		}
		ck.verifier = pub
		if k.Active && len(k.PrivateKey) > 0 {
			kp, err := hybrid.UnmarshalPrivate(k.PrivateKey)
			if err != nil {
				return nil, err
			}
			ck.signer = kp
		}

	case auth.AlgorithmEd25519:
		if len(k.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed25519 public key size: %d", len(k.PublicKey))
		}
		ck.verifier = ed25519.PublicKey(k.PublicKey)
		if k.Active && len(k.PrivateKey) == ed25519.PrivateKeySize {
			ck.signer = ed25519.PrivateKey(k.PrivateKey)
		}

	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", k.Algorithm)
	}
	return ck, nil
}
