package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

const defaultEventListLimit = 50

// SecurityEventService is the append-only security event log. Every event is
// persisted to the EventStore and mirrored into the structured log.
type SecurityEventService struct {
	store repository.EventStore
	clock Clock
	log   *logger.Logger

	mu   sync.Mutex
	last time.Time
}

// NewSecurityEventService creates a SecurityEventService.
func NewSecurityEventService(store repository.EventStore, clock Clock, log *logger.Logger) *SecurityEventService {
	return &SecurityEventService{
		store: store,
		clock: clockOrSystem(clock),
		log:   log.WithComponent("security_events"),
	}
}

// Log appends e. ID, Timestamp and Severity are filled in when empty.
// Timestamps issued by one service are strictly increasing so events keep
// their submission order when listed.
func (s *SecurityEventService) Log(ctx context.Context, e model.SecurityEvent) (*model.SecurityEvent, error) {
	if e.ID == "" {
		e.ID = generateID("evt")
	}
	if e.Severity == "" {
		e.Severity = model.SeverityInfo
	}
	e.Timestamp = s.nextTimestamp()

	s.log.SecurityEvent(e.AccountID, string(e.EventType), string(e.Severity), e.IPAddress, e.Details)

	if err := s.store.Append(ctx, &e); err != nil {
		return nil, fmt.Errorf("failed to append security event: %w", err)
	}
	return &e, nil
}

// Record is the fire-and-forget form of Log used on authentication paths: a
// failure to persist is logged and never changes the auth outcome.
func (s *SecurityEventService) Record(ctx context.Context, accountID string, eventType model.EventType, severity model.Severity, ip, userAgent string, details map[string]interface{}) {
	_, err := s.Log(ctx, model.SecurityEvent{
		AccountID: accountID,
		EventType: eventType,
		Severity:  severity,
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   details,
	})
	if err != nil {
		s.log.Error().Err(err).Str("event_type", string(eventType)).Str("account_id", accountID).Msg("failed to record security event")
	}
}

// ListForAccount returns the newest events for an account first.
func (s *SecurityEventService) ListForAccount(ctx context.Context, accountID string, limit int) ([]*model.SecurityEvent, error) {
	events, err := s.store.ListByAccount(ctx, accountID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

// ListRecent returns the newest events across all accounts.
func (s *SecurityEventService) ListRecent(ctx context.Context, limit int) ([]*model.SecurityEvent, error) {
	events, err := s.store.ListRecent(ctx, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

// nextTimestamp truncates to microseconds (Postgres precision) and clamps
// to strictly after the previous timestamp.
func (s *SecurityEventService) nextTimestamp() time.Time {
	now := s.clock.Now().UTC().Truncate(time.Microsecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultEventListLimit
	}
	return min(limit, 500)
}
