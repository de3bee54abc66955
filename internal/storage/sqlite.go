package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/ringvault/ringvault/internal/uid"
)

// sqliteListPage is the number of keys fetched per listing query.
const sqliteListPage = 500

// SQLiteBackend implements Backend using SQLite as the underlying data
// store. Object and part data are stored as BLOBs, which suits small
// single-node deployments and development.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database file at dbPath, applies performance
// PRAGMAs, and creates the required tables.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			key  TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			etag TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS uploads (
			upload_id TEXT PRIMARY KEY,
			key       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS parts (
			upload_id   TEXT    NOT NULL,
			part_number INTEGER NOT NULL,
			data        BLOB    NOT NULL,
			etag        TEXT    NOT NULL,
			PRIMARY KEY (upload_id, part_number)
		);

		CREATE TABLE IF NOT EXISTS retention_rules (
			id              TEXT PRIMARY KEY,
			prefix          TEXT    NOT NULL,
			expiration_days INTEGER NOT NULL,
			enabled         INTEGER NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func computeETag(data []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(data))
}

// PutObject stores the object as a BLOB, replacing any previous value.
func (b *SQLiteBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}
	etag := computeETag(data)

	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (key, data, etag) VALUES (?, ?, ?)`,
		key, data, etag,
	)
	if err != nil {
		return "", fmt.Errorf("putting object %q: %w", key, err)
	}
	return etag, nil
}

// GetObject returns the stored BLOB.
func (b *SQLiteBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting object %q: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// DeleteObjects removes every key in a single transaction.
func (b *SQLiteBackend) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM objects WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("preparing delete: %w", err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("deleting object %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// ObjectExists checks whether a row exists for key.
func (b *SQLiteBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE key = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking object existence %q: %w", key, err)
	}
	return count > 0, nil
}

// ListObjects pages through keys in ascending order using keyset
// pagination, so no cursor is held open while the caller runs.
func (b *SQLiteBackend) ListObjects(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			page, err := b.listPage(ctx, prefix, after)
			if err != nil {
				yield("", fmt.Errorf("listing objects under %q: %w", prefix, err))
				return
			}
			for _, key := range page {
				if !yield(key, nil) {
					return
				}
			}
			if len(page) < sqliteListPage {
				return
			}
			after = page[len(page)-1]
		}
	}
}

func (b *SQLiteBackend) listPage(ctx context.Context, prefix, after string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM objects
		 WHERE key > ? AND substr(key, 1, length(?)) = ?
		 ORDER BY key LIMIT ?`,
		after, prefix, prefix, sqliteListPage,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CreateMultipartUpload records a new upload session.
func (b *SQLiteBackend) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	uploadID := uid.New()
	_, err := b.db.ExecContext(ctx, `INSERT INTO uploads (upload_id, key) VALUES (?, ?)`, uploadID, key)
	if err != nil {
		return "", fmt.Errorf("creating upload for %q: %w", key, err)
	}
	return uploadID, nil
}

// UploadPart stores a part BLOB. Re-uploading a part number overwrites it.
func (b *SQLiteBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	etag := computeETag(data)

	res, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO parts (upload_id, part_number, data, etag)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM uploads WHERE upload_id = ?)`,
		uploadID, partNumber, data, etag, uploadID,
	)
	if err != nil {
		return "", fmt.Errorf("putting part %d for upload %q: %w", partNumber, uploadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("upload %q not found", uploadID)
	}
	return etag, nil
}

// CompleteMultipartUpload concatenates parts into the object and drops the
// session in one transaction.
func (b *SQLiteBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning completion transaction: %w", err)
	}
	defer tx.Rollback()

	var assembled bytes.Buffer
	for _, p := range sortParts(parts) {
		var data []byte
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM parts WHERE upload_id = ? AND part_number = ?`,
			uploadID, p.PartNumber,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("part %d not found for upload %q", p.PartNumber, uploadID)
		}
		if err != nil {
			return fmt.Errorf("reading part %d for upload %q: %w", p.PartNumber, uploadID, err)
		}
		assembled.Write(data)
	}

	data := assembled.Bytes()
	if data == nil {
		data = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (key, data, etag) VALUES (?, ?, ?)`,
		key, data, computeETag(data),
	); err != nil {
		return fmt.Errorf("storing assembled object %q: %w", key, err)
	}
	if err := deleteUpload(ctx, tx, uploadID); err != nil {
		return err
	}
	return tx.Commit()
}

// AbortMultipartUpload drops the session and its parts.
func (b *SQLiteBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning abort transaction: %w", err)
	}
	defer tx.Rollback()
	if err := deleteUpload(ctx, tx, uploadID); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteUpload(ctx context.Context, tx *sql.Tx, uploadID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting parts for upload %q: %w", uploadID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting upload %q: %w", uploadID, err)
	}
	return nil
}

// GetRetentionRules returns the stored rules ordered by ID.
func (b *SQLiteBackend) GetRetentionRules(ctx context.Context) ([]RetentionRule, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, prefix, expiration_days, enabled FROM retention_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("reading retention rules: %w", err)
	}
	defer rows.Close()

	var rules []RetentionRule
	for rows.Next() {
		var r RetentionRule
		if err := rows.Scan(&r.ID, &r.Prefix, &r.ExpirationDays, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scanning retention rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// PutRetentionRules replaces the rule table in one transaction.
func (b *SQLiteBackend) PutRetentionRules(ctx context.Context, rules []RetentionRule) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning retention transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM retention_rules`); err != nil {
		return fmt.Errorf("clearing retention rules: %w", err)
	}
	for _, r := range rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO retention_rules (id, prefix, expiration_days, enabled) VALUES (?, ?, ?, ?)`,
			r.ID, r.Prefix, r.ExpirationDays, r.Enabled,
		); err != nil {
			return fmt.Errorf("writing retention rule %q: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// HealthCheck executes a trivial query.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	var n int
	return b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

var _ Backend = (*SQLiteBackend)(nil)
