package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

// SessionStore is an in-memory repository.SessionStore.
type SessionStore struct {
	mu      sync.RWMutex
	byID    map[string]*model.Session
	byToken map[string]string
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:    make(map[string]*model.Session),
		byToken: make(map[string]string),
	}
}

func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[sess.ID]; ok {
		return repository.ErrDuplicate
	}
	s.byID[sess.ID] = sess.Clone()
	s.byToken[sess.TokenHash] = sess.ID
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *SessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *SessionStore) ListByAccount(ctx context.Context, accountID string) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Session
	for _, sess := range s.byID {
		if sess.AccountID == accountID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *SessionStore) Rotate(ctx context.Context, id, oldRefreshHash, newTokenHash, newRefreshHash string, tokenExpiresAt, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok || sess.RefreshTokenHash != oldRefreshHash {
		return repository.ErrConflict
	}
	delete(s.byToken, sess.TokenHash)
	sess.TokenHash = newTokenHash
	sess.RefreshTokenHash = newRefreshHash
	sess.TokenExpiresAt = tokenExpiresAt
	at := refreshedAt
	sess.RefreshedAt = &at
	s.byToken[newTokenHash] = id
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.remove(sess)
	return nil
}

func (s *SessionStore) DeleteByAccount(ctx context.Context, accountID, exceptID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sess := range s.byID {
		if sess.AccountID == accountID && sess.ID != exceptID {
			s.remove(sess)
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sess := range s.byID {
		if sess.IsExpiredAt(now) {
			s.remove(sess)
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) remove(sess *model.Session) {
	delete(s.byID, sess.ID)
	delete(s.byToken, sess.TokenHash)
}
