// Package sqlstore implements entry.Store on top of database/sql.
//
// Entries live in a single table per shard database:
//
//	id          INTEGER PRIMARY KEY AUTOINCREMENT
//	"key"       TEXT UNIQUE
//	value       BLOB
//	created_at  INTEGER (UnixNano of the last write)
//
// The SQL is written for SQLite (upsert with ON CONFLICT, RETURNING).
// Expiry never takes table locks: candidates are read, sampled and deleted
// by primary key, so concurrent expiry batches and ordinary writes only
// contend on the rows they touch.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/IvanBrykalov/dbcache/entry"
)

// DefaultTable is the table used when Options.Table is empty.
const DefaultTable = "cache_entries"

// candidateFactor is how many rows are read per row to delete. Sampling
// from a wider window keeps concurrent batches from racing for the same ids.
const candidateFactor = 3

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures a Store. Zero values are safe:
//   - empty Table => DefaultTable
//   - nil Clock   => entry.SystemClock
type Options struct {
	Table string
	Clock entry.Clock
}

// Store is an entry.Store backed by one SQL database.
type Store struct {
	db    *sql.DB
	table string
	clock entry.Clock

	qGet       string
	qUpsert    string
	qDelete    string
	qIncrement string
	qIDRange   string
	qOldest    string
	qCount     string
}

var _ entry.Store = (*Store)(nil)

// New wraps an open database. The schema must exist (see Migrate).
func New(db *sql.DB, opt Options) (*Store, error) {
	if opt.Table == "" {
		opt.Table = DefaultTable
	}
	if !validTable.MatchString(opt.Table) {
		return nil, errors.Errorf("sqlstore: invalid table name %q", opt.Table)
	}
	if opt.Clock == nil {
		opt.Clock = entry.SystemClock
	}
	t := opt.Table
	return &Store{
		db:    db,
		table: t,
		clock: opt.Clock,

		qGet: fmt.Sprintf(`SELECT value FROM %s WHERE "key" = ?`, t),
		qUpsert: fmt.Sprintf(`INSERT INTO %s ("key", value, created_at) VALUES (?, ?, ?)
ON CONFLICT ("key") DO UPDATE SET value = excluded.value, created_at = excluded.created_at`, t),
		qDelete: fmt.Sprintf(`DELETE FROM %s WHERE "key" = ?`, t),
		qIncrement: fmt.Sprintf(`INSERT INTO %s ("key", value, created_at) VALUES (?, ?, ?)
ON CONFLICT ("key") DO UPDATE SET value = CAST(CAST(value AS INTEGER) + ? AS TEXT)
RETURNING value`, t),
		qIDRange: fmt.Sprintf(`SELECT COALESCE(MAX(id) - MIN(id) + 1, 0) FROM %s`, t),
		qOldest:  fmt.Sprintf(`SELECT id, created_at FROM %s ORDER BY created_at, id LIMIT ?`, t),
		qCount:   fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t),
	}, nil
}

// Migrate creates the entries table and its indexes if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	"key" TEXT NOT NULL,
	value BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS index_%[1]s_on_key ON %[1]s ("key")`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS index_%[1]s_on_created_at ON %[1]s (created_at, id)`, s.table),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "sqlstore: migrate %s", s.table)
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.qGet, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrap(err, "sqlstore: get")
	}
	return v, true, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	q := fmt.Sprintf(`SELECT "key", value FROM %s WHERE "key" IN (%s)`, s.table, placeholders(len(keys)))
	rows, err := s.db.QueryContext(ctx, q, stringArgs(keys)...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: get multi")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "sqlstore: get multi")
		}
		out[k] = v
	}
	return out, errors.Wrap(rows.Err(), "sqlstore: get multi")
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.qUpsert, key, nonNil(value), s.now())
	return errors.Wrap(err, "sqlstore: set")
}

func (s *Store) SetAll(ctx context.Context, entries []entry.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: set all")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.qUpsert)
	if err != nil {
		return errors.Wrap(err, "sqlstore: set all")
	}
	defer stmt.Close()

	now := s.now()
	for _, e := range entries {
		if _, err = stmt.ExecContext(ctx, e.Key, nonNil(e.Value), now); err != nil {
			return errors.Wrapf(err, "sqlstore: set all %q", e.Key)
		}
	}
	return errors.Wrap(tx.Commit(), "sqlstore: set all")
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.qDelete, key)
	if err != nil {
		return false, errors.Wrap(err, "sqlstore: delete")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "sqlstore: delete")
}

func (s *Store) DeleteMulti(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE "key" IN (%s)`, s.table, placeholders(len(keys)))
	res, err := s.db.ExecContext(ctx, q, stringArgs(keys)...)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: delete multi")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "sqlstore: delete multi")
}

func (s *Store) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.qIncrement,
		key, strconv.FormatInt(amount, 10), s.now(), amount).Scan(&raw)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: increment")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, errors.Wrapf(err, "sqlstore: increment %q: non-integer value", key)
}

func (s *Store) ExpireOldest(ctx context.Context, batchSize int, maxAge time.Duration, maxEntries int) (int, error) {
	if batchSize <= 0 {
		return 0, nil
	}

	full := false
	if maxEntries > 0 {
		// The id range over-estimates the row count once rows in the middle
		// are gone, but costs two index lookups instead of a scan.
		var span int64
		if err := s.db.QueryRowContext(ctx, s.qIDRange).Scan(&span); err != nil {
			return 0, errors.Wrap(err, "sqlstore: expire: id range")
		}
		full = span > int64(maxEntries)
	}
	if !full && maxAge <= 0 {
		return 0, nil
	}

	ids, err := s.candidates(ctx, batchSize, maxAge, full)
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	q := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, s.table, placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: expire: delete")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "sqlstore: expire: delete")
}

// candidates returns up to batchSize ids drawn from the oldest rows that are
// eligible for eviction.
func (s *Store) candidates(ctx context.Context, batchSize int, maxAge time.Duration, full bool) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.qOldest, batchSize*candidateFactor)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: expire: candidates")
	}
	defer rows.Close()

	var cutoff int64
	if maxAge > 0 {
		cutoff = s.clock.Now().Add(-maxAge).UnixNano()
	}

	var ids []int64
	for rows.Next() {
		var id, createdAt int64
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore: expire: candidates")
		}
		if full || (maxAge > 0 && createdAt < cutoff) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlstore: expire: candidates")
	}

	if len(ids) > batchSize {
		rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		ids = ids[:batchSize]
	}
	return ids, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.qCount).Scan(&n)
	return n, errors.Wrap(err, "sqlstore: count")
}

func (s *Store) now() int64 { return s.clock.Now().UnixNano() }

// ---- helpers ----

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}

// nonNil maps a nil payload to an empty one; the value column is NOT NULL.
func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}
