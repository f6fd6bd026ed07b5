package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/loanlens/migrations"
)

// PostgresStore persists exports in the export_archive table created by
// the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed archive.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_archive (id, session_ref, format, compressed, size_bytes, checksum, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		rec.SessionRef,
		rec.Format,
		rec.Compressed,
		rec.SizeBytes,
		rec.Checksum,
		rec.Data,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save export: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_ref, format, compressed, size_bytes, checksum, data, created_at
		FROM export_archive
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.SessionRef, &rec.Format, &rec.Compressed, &rec.SizeBytes, &rec.Checksum, &rec.Data, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionRef string, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, session_ref, format, compressed, size_bytes, checksum, created_at
		FROM export_archive
		WHERE session_ref = $1`
	args := []any{sessionRef}
	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionRef, &rec.Format, &rec.Compressed, &rec.SizeBytes, &rec.Checksum, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := migrations.Up(ctx, s.db); err != nil {
		return fmt.Errorf("failed to migrate export archive: %w", err)
	}
	return nil
}
