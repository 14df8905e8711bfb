package memory

import (
	"context"
	"sync"

	"github.com/servicedesk/authcore/internal/model"
)

// EventStore is an in-memory append-only repository.EventStore.
type EventStore struct {
	mu     sync.RWMutex
	events []*model.SecurityEvent
}

// NewEventStore creates an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(ctx context.Context, e *model.SecurityEvent) error {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}

	s.mu.Lock()
	s.events = append(s.events, &cp)
	s.mu.Unlock()
	return nil
}

func (s *EventStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.SecurityEvent, error) {
	return s.newest(limit, func(e *model.SecurityEvent) bool { return e.AccountID == accountID }), nil
}

func (s *EventStore) ListRecent(ctx context.Context, limit int) ([]*model.SecurityEvent, error) {
	return s.newest(limit, func(*model.SecurityEvent) bool { return true }), nil
}

// newest walks the log backwards so results come out newest first.
func (s *EventStore) newest(limit int, match func(*model.SecurityEvent) bool) []*model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SecurityEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(s.events[i]) {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out
}
