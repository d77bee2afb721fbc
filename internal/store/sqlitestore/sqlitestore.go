// Package sqlitestore keeps breakpoints in a SQLite database, one row per
// task and one row per block.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a breakpoint.Store backed by SQLite.
type Store struct {
	conn *sql.DB
	path string
}

var (
	_ breakpoint.Store  = (*Store)(nil)
	_ breakpoint.Purger = (*Store)(nil)
)

// Open opens or creates the database at path and migrates it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Load returns the breakpoint of id or breakpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*breakpoint.Info, error) {
	info := &breakpoint.Info{TaskID: id}
	var supportsRange, weakETag int
	var updated int64
	err := s.conn.QueryRowContext(ctx, `
		SELECT url, path, etag, weak_etag, last_modified, total_length, supports_range, updated_at
		FROM breakpoints WHERE task_id = ?`, id.String()).
		Scan(&info.URL, &info.Path, &info.ETag, &weakETag, &info.LastModified, &info.TotalLength, &supportsRange, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, breakpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load breakpoint %s: %w", id, err)
	}
	info.SupportsRange = supportsRange != 0
	info.WeakETag = weakETag != 0
	info.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT range_left, range_right, current_offset
		FROM blocks WHERE task_id = ? ORDER BY idx`, id.String())
	if err != nil {
		return nil, fmt.Errorf("load blocks of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var b breakpoint.Block
		if err := rows.Scan(&b.RangeLeft, &b.RangeRight, &b.CurrentOffset); err != nil {
			return nil, fmt.Errorf("scan block of %s: %w", id, err)
		}
		info.Blocks = append(info.Blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load blocks of %s: %w", id, err)
	}
	return info, nil
}

// Save replaces the stored breakpoint of info.TaskID in one transaction.
func (s *Store) Save(ctx context.Context, info *breakpoint.Info) error {
	snap := info.Snapshot()
	id := snap.TaskID.String()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save breakpoint %s: %w", id, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO breakpoints (task_id, url, path, etag, weak_etag, last_modified, total_length, supports_range, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			url = excluded.url,
			path = excluded.path,
			etag = excluded.etag,
			weak_etag = excluded.weak_etag,
			last_modified = excluded.last_modified,
			total_length = excluded.total_length,
			supports_range = excluded.supports_range,
			updated_at = excluded.updated_at`,
		id, snap.URL, snap.Path, snap.ETag, boolInt(snap.WeakETag), snap.LastModified, snap.TotalLength,
		boolInt(snap.SupportsRange), snap.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save breakpoint %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("save blocks of %s: %w", id, err)
	}
	for idx, b := range snap.Blocks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (task_id, idx, range_left, range_right, current_offset)
			VALUES (?, ?, ?, ?, ?)`, id, idx, b.RangeLeft, b.RangeRight, b.CurrentOffset)
		if err != nil {
			return fmt.Errorf("save block %d of %s: %w", idx, id, err)
		}
	}
	return tx.Commit()
}

// Remove deletes the breakpoint of id. Removing an absent record is not an
// error.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM breakpoints WHERE task_id = ?`, id.String()); err != nil {
		return fmt.Errorf("remove breakpoint %s: %w", id, err)
	}
	return nil
}

// PurgeBefore deletes breakpoints last saved before t and returns how many
// were removed.
func (s *Store) PurgeBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM breakpoints WHERE updated_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge breakpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
