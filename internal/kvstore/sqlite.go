package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, key)
);
`

var bucketName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// DB is a SQLite database holding any number of buckets
type DB struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite file at path
func OpenSQLite(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Bucket returns a Store backed by the named bucket
func (d *DB) Bucket(name string) (Store, error) {
	if !bucketName.MatchString(name) {
		return nil, fmt.Errorf("invalid bucket name %q", name)
	}
	return &sqliteBucket{db: d.db, bucket: name}, nil
}

// Close closes the underlying database
func (d *DB) Close() error {
	return d.db.Close()
}

type sqliteBucket struct {
	db     *sql.DB
	bucket string
}

func (b *sqliteBucket) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, b.bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s/%s: %w", b.bucket, key, err)
	}
	return v, nil
}

func (b *sqliteBucket) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		b.bucket, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv set %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *sqliteBucket) Remove(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, b.bucket, key); err != nil {
		return fmt.Errorf("kv remove %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *sqliteBucket) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ?`, b.bucket); err != nil {
		return fmt.Errorf("kv clear %s: %w", b.bucket, err)
	}
	return nil
}

func (b *sqliteBucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM kv WHERE bucket = ? ORDER BY key`, b.bucket)
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", b.bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}
