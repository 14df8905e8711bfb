package memory

import (
	"context"
	"sync"
	"time"
)

// PasswordHistoryStore is an in-memory repository.PasswordHistoryStore.
type PasswordHistoryStore struct {
	mu     sync.Mutex
	hashes map[string][]string
}

// NewPasswordHistoryStore creates an empty PasswordHistoryStore.
func NewPasswordHistoryStore() *PasswordHistoryStore {
	return &PasswordHistoryStore{hashes: make(map[string][]string)}
}

func (s *PasswordHistoryStore) Add(ctx context.Context, accountID, passwordHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[accountID] = append(s.hashes[accountID], passwordHash)
	return nil
}

func (s *PasswordHistoryStore) Recent(ctx context.Context, accountID string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.hashes[accountID]
	var out []string
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
