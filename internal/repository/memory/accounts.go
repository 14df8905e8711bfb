// Package memory provides in-process implementations of the repository
// stores. They back tests and single-node development deployments.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// AccountStore is an in-memory repository.AccountStore.
type AccountStore struct {
	mu      sync.RWMutex
	byID    map[string]*model.Account
	byEmail map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewAccountStore creates an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:    make(map[string]*model.Account),
		byEmail: make(map[string]string),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *AccountStore) Create(ctx context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(a.Email)
	if _, ok := s.byID[a.ID]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := s.byEmail[email]; ok {
		return repository.ErrDuplicate
	}
	c := a.Clone()
	c.Email = email
	s.byID[a.ID] = c
	s.byEmail[email] = a.ID
	return nil
}

func (s *AccountStore) GetByID(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// Update serializes writers per account with a dedicated mutex.
func (s *AccountStore) Update(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	lock := s.accountLock(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stored := a.Clone()
	stored.Email = s.byID[id].Email
	s.byID[id] = stored
	s.mu.Unlock()

	return a, nil
}

func (s *AccountStore) accountLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}
