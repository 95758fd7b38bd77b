package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const defaultEmitTimeout = 3 * time.Second

// DBEmitter implements audit logging to PostgreSQL
type DBEmitter struct {
	db      *sql.DB
	timeout time.Duration
}

// NewDBEmitter creates a new database-backed audit emitter
func NewDBEmitter(db *sql.DB) (*DBEmitter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	e := &DBEmitter{
		db:      db,
		timeout: defaultEmitTimeout,
	}

	// Ensure the audit_events table exists
	if err := e.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}

	return e, nil
}

// ensureTable creates the audit_events table if it doesn't exist
func (e *DBEmitter) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		owner_id VARCHAR(64),
		token_id VARCHAR(64),
		ip_address VARCHAR(45),
		user_agent TEXT,
		method VARCHAR(10),
		path TEXT,
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	-- Create indexes for common query patterns
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_token_id ON audit_events(token_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_owner_id ON audit_events(owner_id);
	`

	_, err := e.db.Exec(query)
	return err
}

// Emit writes one audit event row
func (e *DBEmitter) Emit(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	var err error

	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	query := `
		INSERT INTO audit_events (
			timestamp, event_type, status,
			owner_id, token_id,
			ip_address, user_agent, method, path,
			message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, $8, $9,
			$10, $11
		) RETURNING id
	`

	err = e.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		nullString(event.OwnerID), nullString(event.TokenID),
		nullString(event.IPAddress), nullString(event.UserAgent),
		nullString(event.Method), nullString(event.Path),
		nullString(event.Message), metadataJSON,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// Close is a no-op; the emitter does not own the db handle
func (e *DBEmitter) Close() error {
	return nil
}

// nullString converts an empty string to a NULL column value
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
