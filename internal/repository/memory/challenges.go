package memory

import (
	"context"
	"sync"
	"time"

	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// ChallengeStore is an in-memory repository.ChallengeStore. Every operation
// runs under one mutex, which makes Consume a true compare-and-delete.
type ChallengeStore struct {
	mu        sync.Mutex
	byID      map[string]*model.VerificationChallenge
	byAccount map[string]string
}

// NewChallengeStore creates an empty ChallengeStore.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		byID:      make(map[string]*model.VerificationChallenge),
		byAccount: make(map[string]string),
	}
}

func (s *ChallengeStore) Put(ctx context.Context, c *model.VerificationChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byAccount[c.AccountID]; ok {
		delete(s.byID, old)
	}
	cp := *c
	s.byID[c.ID] = &cp
	s.byAccount[c.AccountID] = c.ID
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, id string) (*model.VerificationChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *ChallengeStore) Consume(ctx context.Context, id, codeHash string, now time.Time) (string, model.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return "", model.ChallengeMissing, nil
	}
	if c.IsExpiredAt(now) {
		s.drop(c)
		return c.AccountID, model.ChallengeExpired, nil
	}
	if c.CodeHash != codeHash {
		return c.AccountID, model.ChallengeMismatch, nil
	}
	s.drop(c)
	return c.AccountID, model.ChallengeConsumed, nil
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.byID {
		if c.IsExpiredAt(now) {
			s.drop(c)
			n++
		}
	}
	return n, nil
}

func (s *ChallengeStore) drop(c *model.VerificationChallenge) {
	delete(s.byID, c.ID)
	if s.byAccount[c.AccountID] == c.ID {
		delete(s.byAccount, c.AccountID)
	}
}
