package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/keygate/pkg/auth"
	"github.com/platinummonkey/keygate/pkg/usage"
)

// Config holds PostgreSQL connection settings
type Config struct {
	URL      string
	MaxConns int
	MinConns int

	// Timeout bounds every store call. Verification fails closed when it
	// fires, so keep it short.
	Timeout time.Duration
}

// DefaultConfig returns sensible connection defaults
func DefaultConfig() Config {
	return Config{
		MaxConns: 25,
		MinConns: 5,
		Timeout:  3 * time.Second,
	}
}

// Store implements the token store on PostgreSQL. It is the durable system
// of record for tokens and usage records.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// New connects to PostgreSQL and ensures the schema exists
func New(config Config) (*Store, error) {
	db, err := sql.Open("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db, timeout: timeout}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an existing connection (used by tests)
func NewWithDB(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Store{db: db, timeout: timeout}
}

// ensureSchema creates the engine's tables if they don't exist
func (s *Store) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS tokens (
		id VARCHAR(64) PRIMARY KEY,
		owner_id VARCHAR(64) NOT NULL,
		secret_hash CHAR(64) NOT NULL,
		secret_prefix VARCHAR(16) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		class VARCHAR(16) NOT NULL,
		scopes TEXT[] NOT NULL,
		rate_limit INTEGER,
		allowed_ips TEXT[],
		allowed_referrers TEXT[],
		expires_at TIMESTAMP WITH TIME ZONE,
		last_used_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMP WITH TIME ZONE,
		revoked_by VARCHAR(64),
		revoke_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_secret_hash ON tokens(secret_hash);
	CREATE INDEX IF NOT EXISTS idx_tokens_owner_id ON tokens(owner_id);

	CREATE TABLE IF NOT EXISTS token_usage (
		id BIGSERIAL PRIMARY KEY,
		token_id VARCHAR(64) NOT NULL REFERENCES tokens(id),
		endpoint TEXT NOT NULL,
		method VARCHAR(10) NOT NULL,
		status_code INTEGER NOT NULL,
		ip_address VARCHAR(45),
		user_agent TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	-- Supports the hourly rate-limit count query
	CREATE INDEX IF NOT EXISTS idx_token_usage_token_created ON token_usage(token_id, created_at);

	CREATE TABLE IF NOT EXISTS owners (
		id VARCHAR(64) PRIMARY KEY,
		username VARCHAR(255) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		deleted_at TIMESTAMP WITH TIME ZONE
	);
	`

	_, err := s.db.Exec(query)
	return err
}

const tokenColumns = `
	id, owner_id, secret_hash, secret_prefix, name, description, class,
	scopes, rate_limit, allowed_ips, allowed_referrers,
	expires_at, last_used_at, created_at, deleted_at, revoked_by, revoke_reason
`

// CreateToken persists a new token record
func (s *Store) CreateToken(ctx context.Context, token *auth.Token) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO tokens (
			id, owner_id, secret_hash, secret_prefix, name, description, class,
			scopes, rate_limit, allowed_ips, allowed_referrers, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		token.ID, token.OwnerID, token.SecretHash, token.SecretPrefix,
		token.Name, token.Description, string(token.Class),
		pq.Array(scopeStrings(token.Scopes)), nullInt(token.RateLimit),
		pq.Array(token.AllowedIPs), pq.Array(token.AllowedReferrers),
		nullTime(token.ExpiresAt), token.CreatedAt,
	).Scan(&token.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetTokenByHash looks a token up by its secret digest
func (s *Store) GetTokenByHash(ctx context.Context, secretHash string) (*auth.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE secret_hash = $1`
	return scanToken(s.db.QueryRowContext(ctx, query, secretHash))
}

// GetTokenByID looks a token up by its opaque id
func (s *Store) GetTokenByID(ctx context.Context, id string) (*auth.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE id = $1`
	return scanToken(s.db.QueryRowContext(ctx, query, id))
}

// ListOwnerTokens returns all of an owner's tokens, newest first
func (s *Store) ListOwnerTokens(ctx context.Context, ownerID string) ([]*auth.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*auth.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return tokens, nil
}

// SoftDeleteToken marks a token deleted. The WHERE clause makes a repeat
// call a no-op: zero rows affected, changed=false, no error.
func (s *Store) SoftDeleteToken(ctx context.Context, id, revokedBy, reason string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE tokens
		SET deleted_at = NOW(), revoked_by = $2, revoke_reason = $3
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, id, nullString(revokedBy), reason)
	if err != nil {
		return false, fmt.Errorf("failed to soft-delete token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// TouchLastUsed updates last_used_at
func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch last_used_at: %w", err)
	}
	return nil
}

// GetOwner resolves the owning principal
func (s *Store) GetOwner(ctx context.Context, id string) (*auth.Owner, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT id, username, active, deleted_at FROM owners WHERE id = $1`

	var owner auth.Owner
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&owner.ID, &owner.Username, &owner.Active, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", auth.ErrOwnerNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}

	if deletedAt.Valid {
		owner.DeletedAt = &deletedAt.Time
	}
	return &owner, nil
}

// InsertUsage appends one usage record
func (s *Store) InsertUsage(ctx context.Context, record *usage.Record) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO token_usage (token_id, endpoint, method, status_code, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		record.TokenID, record.Endpoint, record.Method, record.StatusCode,
		nullString(record.IPAddress), nullString(record.UserAgent), record.CreatedAt,
	).Scan(&record.ID)

	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// CountUsageSince counts verified calls for a token since the given time
func (s *Store) CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	query := `SELECT COUNT(*) FROM token_usage WHERE token_id = $1 AND created_at >= $2`
	if err := s.db.QueryRowContext(ctx, query, tokenID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// PruneUsageBefore deletes usage rows older than the cutoff (retention job)
func (s *Store) PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM token_usage WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies database connectivity
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	return nil
}

// GetDB returns the database connection for health checks and metrics
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row scanner) (*auth.Token, error) {
	var token auth.Token
	var class string
	var scopes, allowedIPs, allowedReferrers pq.StringArray
	var rateLimit sql.NullInt32
	var expiresAt, lastUsedAt, deletedAt sql.NullTime
	var revokedBy sql.NullString

	err := row.Scan(
		&token.ID, &token.OwnerID, &token.SecretHash, &token.SecretPrefix,
		&token.Name, &token.Description, &class,
		&scopes, &rateLimit, &allowedIPs, &allowedReferrers,
		&expiresAt, &lastUsedAt, &token.CreatedAt, &deletedAt, &revokedBy, &token.RevokeReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrTokenNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}

	token.Class = auth.Class(class)
	token.Scopes = make([]auth.Scope, len(scopes))
	for i, s := range scopes {
		token.Scopes[i] = auth.Scope(s)
	}
	token.AllowedIPs = allowedIPs
	token.AllowedReferrers = allowedReferrers
	if rateLimit.Valid {
		limit := int(rateLimit.Int32)
		token.RateLimit = &limit
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if deletedAt.Valid {
		token.DeletedAt = &deletedAt.Time
	}
	if revokedBy.Valid {
		token.RevokedBy = &revokedBy.String
	}

	return &token, nil
}

func scopeStrings(scopes []auth.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
