package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// KeyStore is an in-memory repository.KeyStore.
type KeyStore struct {
	mu   sync.Mutex
	keys []*model.SigningKey
}

// NewKeyStore creates an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{}
}

func (s *KeyStore) Create(ctx context.Context, key *model.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys = append(s.keys, &cp)
	return nil
}

func (s *KeyStore) GetActive(ctx context.Context, algorithm string) (*model.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *model.SigningKey
	for _, k := range s.keys {
		if k.Algorithm == algorithm && k.Active && (found == nil || k.CreatedAt.After(found.CreatedAt)) {
			found = k
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *KeyStore) ListVerification(ctx context.Context, algorithm string, now time.Time) ([]*model.SigningKey, error) {
	return s.list(func(k *model.SigningKey) bool {
		return k.Algorithm == algorithm && (k.Active || k.VerifyUntil.After(now))
	}), nil
}

func (s *KeyStore) Retire(ctx context.Context, algorithm string, at, verifyUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Algorithm == algorithm && k.Active {
			k.Active = false
			retired := at
			k.RetiredAt = &retired
			k.VerifyUntil = verifyUntil
		}
	}
	return nil
}

func (s *KeyStore) ListAll(ctx context.Context) ([]*model.SigningKey, error) {
	return s.list(func(*model.SigningKey) bool { return true }), nil
}

func (s *KeyStore) list(match func(*model.SigningKey) bool) []*model.SigningKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.SigningKey
	for _, k := range s.keys {
		if match(k) {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
