package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore handles all relational database operations.
type PostgresStore struct {
	db  *sql.DB
	url string
}

// NewPostgresStore opens a connection and returns a store instance.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db, url: databaseURL}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func migrationSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	return src, nil
}

// Migrate applies all pending migrations.
func (s *PostgresStore) Migrate() error {
	src, err := migrationSource()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.url)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the given number of migrations.
func (s *PostgresStore) MigrateDown(steps int) error {
	src, err := migrationSource()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.url)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Identities ---

// UpsertIdentity inserts or updates an identity by provider + provider_id.
// A database trigger provisions the matching users row on first insert.
func (s *PostgresStore) UpsertIdentity(ctx context.Context, id *domain.Identity) (*domain.Identity, error) {
	query := `
		INSERT INTO identities (email, name, avatar_url, provider, provider_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, provider_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = NOW()
		RETURNING id, email, name, avatar_url, provider, provider_id, created_at`

	var out domain.Identity
	err := s.db.QueryRowContext(ctx, query,
		id.Email, id.Name, id.AvatarURL, id.Provider, id.ProviderID,
	).Scan(&out.ID, &out.Email, &out.Name, &out.AvatarURL, &out.Provider, &out.ProviderID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert identity: %w", err)
	}
	return &out, nil
}

// GetIdentity retrieves an identity by ID.
func (s *PostgresStore) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	query := `SELECT id, email, name, avatar_url, provider, provider_id, created_at
	          FROM identities WHERE id::text = $1`

	var out domain.Identity
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&out.ID, &out.Email, &out.Name, &out.AvatarURL, &out.Provider, &out.ProviderID, &out.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get identity %s: %w", id, port.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &out, nil
}

// RoleOf returns the profile role for a user, Staff when the row is missing.
func (s *PostgresStore) RoleOf(ctx context.Context, userID string) (domain.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id::text = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoleStaff, nil
	}
	if err != nil {
		return "", fmt.Errorf("role of %s: %w", userID, err)
	}
	return domain.Role(role), nil
}

// --- Auth sessions ---

// CreateAuthSession stores a refresh-token session.
func (s *PostgresStore) CreateAuthSession(ctx context.Context, identityID, refreshHash string, expiresAt time.Time) (*domain.AuthSession, error) {
	query := `INSERT INTO auth_sessions (identity_id, refresh_hash, expires_at)
	          VALUES ($1, $2, $3)
	          RETURNING id, identity_id, refresh_hash, expires_at, revoked_at, created_at`

	return scanAuthSession(s.db.QueryRowContext(ctx, query, identityID, refreshHash, expiresAt))
}

// GetAuthSessionByHash looks up a session by refresh-token hash.
func (s *PostgresStore) GetAuthSessionByHash(ctx context.Context, refreshHash string) (*domain.AuthSession, error) {
	query := `SELECT id, identity_id, refresh_hash, expires_at, revoked_at, created_at
	          FROM auth_sessions WHERE refresh_hash = $1`

	sess, err := scanAuthSession(s.db.QueryRowContext(ctx, query, refreshHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auth session: %w", port.ErrNotFound)
	}
	return sess, err
}

// RotateAuthSession replaces the refresh hash of an active session.
func (s *PostgresStore) RotateAuthSession(ctx context.Context, id, oldHash, newHash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET refresh_hash = $1, expires_at = $2
		 WHERE id::text = $3 AND refresh_hash = $4 AND revoked_at IS NULL`,
		newHash, expiresAt, id, oldHash)
	if err != nil {
		return fmt.Errorf("rotate auth session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rotate auth session %s: %w", id, port.ErrNotFound)
	}
	return nil
}

// RevokeAuthSession marks a session revoked. Revoking twice is not an error.
func (s *PostgresStore) RevokeAuthSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = NOW() WHERE id::text = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke auth session: %w", err)
	}
	return nil
}

func scanAuthSession(row *sql.Row) (*domain.AuthSession, error) {
	var out domain.AuthSession
	var revoked sql.NullTime
	if err := row.Scan(&out.ID, &out.IdentityID, &out.RefreshHash, &out.ExpiresAt, &revoked, &out.CreatedAt); err != nil {
		return nil, err
	}
	if revoked.Valid {
		out.RevokedAt = &revoked.Time
	}
	return &out, nil
}

// --- Audit Logs ---

// WriteAudit implements middleware.AuditWriter.
func (s *PostgresStore) WriteAudit(userID, action, resource, resourceID, details, ip, userAgent string) error {
	query := `INSERT INTO audit_logs (user_id, action, resource, resource_id, details, ip, user_agent)
	          VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`
	_, err := s.db.ExecContext(context.Background(), query,
		userID, action, resource, resourceID, details, ip, userAgent,
	)
	return err
}

// ListAuditLogs returns recent audit logs with optional filters.
func (s *PostgresStore) ListAuditLogs(ctx context.Context, limit int, action string) ([]domain.AuditLog, error) {
	query := `SELECT id, user_id, action, resource, resource_id, details, ip, user_agent, created_at
	          FROM audit_logs`
	args := []interface{}{}
	argIdx := 1

	if action != "" {
		query += fmt.Sprintf(" WHERE action = $%d", argIdx)
		args = append(args, action)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.AuditLog
	for rows.Next() {
		var l domain.AuditLog
		if err := rows.Scan(
			&l.ID, &l.UserID, &l.Action, &l.Resource, &l.ResourceID,
			&l.Details, &l.IP, &l.UserAgent, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, nil
}
