package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "barkeeper/internal/errors"
)

// SQLiteBlobStore keeps blobs as rows of a single table.
type SQLiteBlobStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database with the pool settings used throughout barkeeper.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// NewSQLiteBlobStore opens dbPath and creates the blob table if needed.
func NewSQLiteBlobStore(dbPath string) (*SQLiteBlobStore, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteBlobStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteBlobStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		size INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the connection so other tables can share the file.
func (s *SQLiteBlobStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteBlobStore) Close() error {
	return s.db.Close()
}

// Get implements BlobStore.
func (s *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDatasetNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Put implements BlobStore. A single statement replaces the row.
func (s *SQLiteBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO blobs (key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
	`, key, data, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

// Stat implements BlobStore.
func (s *SQLiteBlobStore) Stat(ctx context.Context, key string) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, `SELECT size FROM blobs WHERE key = ?`, key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrDatasetNotFound, key)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return size, nil
}

// List returns keys directly under prefix, matching FSBlobStore semantics.
func (s *SQLiteBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM blobs
		WHERE substr(key, 1, ?) = ?
		ORDER BY key ASC
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	dirDepth := strings.Count(prefix, "/")
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		if strings.Count(key, "/") != dirDepth {
			continue
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blobs: %w", err)
	}
	return keys, nil
}

// Delete implements BlobStore.
func (s *SQLiteBlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
