package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/model"
)

// SecurityEventRepository is the append-only security event log
type SecurityEventRepository struct {
	db *database.Postgres
}

// NewSecurityEventRepository creates a new SecurityEventRepository
func NewSecurityEventRepository(db *database.Postgres) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

// Append inserts an event. Events are never updated.
func (r *SecurityEventRepository) Append(ctx context.Context, e *model.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil || e.Details == nil {
		details = []byte("{}")
	}

	query := `
		INSERT INTO security_events (id, account_id, event_type, timestamp, ip_address, user_agent, details, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID,
		e.AccountID,
		string(e.EventType),
		e.Timestamp,
		e.IPAddress,
		e.UserAgent,
		details,
		string(e.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

// ListByAccount returns an account's events, newest first
func (r *SecurityEventRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.SecurityEvent, error) {
	query := `
		SELECT id, account_id, event_type, timestamp, ip_address, user_agent, details, severity
		FROM security_events
		WHERE account_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	return r.list(ctx, query, accountID, limit)
}

// ListRecent returns the newest events across all accounts
func (r *SecurityEventRepository) ListRecent(ctx context.Context, limit int) ([]*model.SecurityEvent, error) {
	query := `
		SELECT id, account_id, event_type, timestamp, ip_address, user_agent, details, severity
		FROM security_events
		ORDER BY timestamp DESC
		LIMIT $1
	`
	return r.list(ctx, query, limit)
}

func (r *SecurityEventRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.SecurityEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []*model.SecurityEvent
	for rows.Next() {
		var e model.SecurityEvent
		var eventType, severity string
		var details []byte
		if err := rows.Scan(
			&e.ID,
			&e.AccountID,
			&eventType,
			&e.Timestamp,
			&e.IPAddress,
			&e.UserAgent,
			&details,
			&severity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.EventType = model.EventType(eventType)
		e.Severity = model.Severity(severity)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
