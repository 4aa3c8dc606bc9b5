package repository

import (
	"context"
	"fmt"

	"github.com/blogauth/blogauth/internal/database"
	"github.com/blogauth/blogauth/internal/model"
)

// AuditRepository persists the security audit trail. It only appends.
type AuditRepository struct {
	db *database.Postgres
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a new audit entry
func (r *AuditRepository) Append(ctx context.Context, e *model.SecurityAuditEntry) error {
	query := `
		INSERT INTO security_audit_log (id, event_type, username, ip_address, user_agent,
		    path, method, status_code, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.EventType,
		e.Username,
		e.IPAddress,
		e.UserAgent,
		e.Path,
		e.Method,
		e.Status,
		e.Details,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByUsername returns the most recent entries for an account, newest first
func (r *AuditRepository) ListByUsername(ctx context.Context, username string, limit int) ([]*model.SecurityAuditEntry, error) {
	query := `
		SELECT id, event_type, username, ip_address, user_agent, path, method,
		       status_code, details, created_at
		FROM security_audit_log
		WHERE lower(username) = lower($1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, username, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.SecurityAuditEntry
	for rows.Next() {
		var e model.SecurityAuditEntry
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.Username, &e.IPAddress, &e.UserAgent,
			&e.Path, &e.Method, &e.Status, &e.Details, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
