package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/vulnwatch/epss-go/config"
)

// databaseBackend stores entries in a single relational table keyed by
// the cache key, with explicit created_at / nullable expires_at columns.
// Unlike the file backend, expiry is stored per row, so per-call TTL
// overrides are honored.
type databaseBackend struct {
	db    *sql.DB
	table string
}

var _ Backend = (*databaseBackend)(nil)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// newDatabaseBackend opens the store and creates the cache table if it
// does not already exist. Any failure here is a hard error feeding the
// Manager's fallback policy.
func newDatabaseBackend(cfg config.Database) (*databaseBackend, error) {
	table := cfg.Table
	if table == "" {
		table = "epss_cache"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, errors.Newf("invalid cache table name: %q", table)
	}

	dsn, err := sqliteDSN(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cache_key VARCHAR(255) PRIMARY KEY,
		data TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	)`, table)); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s(expires_at)`, table, table,
	)); err != nil {
		db.Close()
		return nil, err
	}

	return &databaseBackend{db: db, table: table}, nil
}

// sqliteDSN normalizes the configured URL into a driver DSN, expanding a
// leading ~ and creating the parent directory for file-backed stores.
func sqliteDSN(url string) (string, error) {
	dsn := url
	if strings.HasPrefix(dsn, "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		// sqlite:///~/path carries a spurious leading slash before the ~
		if strings.HasPrefix(dsn, "/~") {
			dsn = dsn[1:]
		}
	}
	if dsn == "" {
		dsn = ":memory:"
	}
	if dsn != ":memory:" {
		dsn = config.ExpandHome(dsn)
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return "", err
		}
	}
	return dsn, nil
}

// Get reads, expiry-checks, and (when expired) deletes in one
// transaction, so two concurrent readers cannot both observe an expired
// row as live.
func (b *databaseBackend) Get(ctx context.Context, key string) (*Entry, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var data string
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data, expires_at FROM %s WHERE cache_key = ?`, b.table), key,
	).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, b.table), key,
		); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Entry{Data: []byte(data), Encoding: EncodingJSON}, nil
}

// Set is a single-statement upsert: insert a new row or replace the
// existing row's data and timestamps for the key.
func (b *databaseBackend) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	now := time.Now()
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (cache_key, data, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`, b.table),
		key, string(e.Data), now, expiresAt,
	)
	return err
}

func (b *databaseBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, b.table), key,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (b *databaseBackend) Clear(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table))
	return err
}

func (b *databaseBackend) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE cache_key = ? LIMIT 1`, b.table), key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *databaseBackend) Close() error {
	return b.db.Close()
}
