// Package statestore implements the shared versioned key/value store every
// coordinator and worker process connects to. Entries live in the
// kv_entries table of one SQLite database; each (namespace, key) carries a
// version that only successful writes advance.
//
// SetIfVersion is a single SQL statement, so there is no window between the
// version check and the write. UpdateFields and IncrementField are
// read-modify-write and can lose updates under concurrent writers to the
// same key; use Mutate when that matters.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shim/pkg/protocol"
)

// ErrVersionConflict is returned by SetIfVersion when the stored version does
// not match the expected one. It is a sentinel, not a failure of the store.
var ErrVersionConflict = errors.New("statestore: version conflict")

// ErrNoChange may be returned from a Mutate callback to skip the write.
var ErrNoChange = errors.New("statestore: no change")

// maxMutateAttempts bounds the CAS retry loop in Mutate.
const maxMutateAttempts = 32

// Entry is a decoded-on-demand row returned by List.
type Entry struct {
	Key     string
	Value   json.RawMessage
	Version int64
}

// Store manages the kv_entries table in SQLite.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Store backed by db. The schema must already be applied
// (OpenDB does this).
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock used for TTL bookkeeping.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

// DB exposes the underlying handle so sibling components (lock, eventlog)
// share one connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) nowMillis() int64 {
	return s.nowFunc().UnixMilli()
}

func validateKey(ns, key string) error {
	if ns == "" {
		return &protocol.ValidationError{Field: "namespace", Reason: "is required"}
	}
	if key == "" {
		return &protocol.ValidationError{Field: "key", Reason: "is required"}
	}
	return nil
}

func encode(value any) (string, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return "", fmt.Errorf("encode value: invalid JSON")
		}
		return string(raw), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(b), nil
}

// Get returns the raw JSON stored under (ns, key). Missing, expired and
// malformed entries all report found=false.
func (s *Store) Get(ctx context.Context, ns, key string) (json.RawMessage, bool, error) {
	raw, _, err := s.GetWithVersion(ctx, ns, key)
	if err != nil {
		return nil, false, err
	}
	return raw, raw != nil, nil
}

// GetJSON decodes the entry under (ns, key) into out. A payload that does
// not decode into out is treated as absent.
func (s *Store) GetJSON(ctx context.Context, ns, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, ns, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil
	}
	return true, nil
}

// GetWithVersion returns the value and its version. Version 0 means the key
// is absent or expired. A malformed payload returns a nil value with the
// stored version, so a SetIfVersion against that version can repair it.
func (s *Store) GetWithVersion(ctx context.Context, ns, key string) (json.RawMessage, int64, error) {
	if err := validateKey(ns, key); err != nil {
		return nil, 0, err
	}

	var value string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv_entries
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		ns, key, s.nowMillis()).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("statestore get %s/%s: %w", ns, key, err)
	}
	if !json.Valid([]byte(value)) {
		return nil, version, nil
	}
	return json.RawMessage(value), version, nil
}

// upsertSQL inserts a fresh entry or overwrites the existing one, advancing
// its version. A positive :ttl replaces the stored TTL; otherwise the stored
// TTL is re-applied from :now. Expired rows are overwritten as if absent.
const upsertSQL = `
INSERT INTO kv_entries (namespace, key, value, version, ttl_ms, expires_at, updated_at)
VALUES (:ns, :key, :value, 1, :ttl, :expires, :now)
ON CONFLICT(namespace, key) DO UPDATE SET
    value = excluded.value,
    version = kv_entries.version + 1,
    ttl_ms = CASE
        WHEN :ttl > 0 THEN :ttl
        WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= :now THEN 0
        ELSE kv_entries.ttl_ms END,
    expires_at = CASE
        WHEN :ttl > 0 THEN :now + :ttl
        WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= :now THEN NULL
        WHEN kv_entries.ttl_ms > 0 THEN :now + kv_entries.ttl_ms
        ELSE NULL END,
    updated_at = :now`

// casUpdateSQL writes only when the live row carries :expected.
const casUpdateSQL = `
UPDATE kv_entries SET
    value = :value,
    version = version + 1,
    ttl_ms = CASE WHEN :ttl > 0 THEN :ttl ELSE ttl_ms END,
    expires_at = CASE
        WHEN :ttl > 0 THEN :now + :ttl
        WHEN ttl_ms > 0 THEN :now + ttl_ms
        ELSE NULL END,
    updated_at = :now
WHERE namespace = :ns AND key = :key AND version = :expected
  AND (expires_at IS NULL OR expires_at > :now)
RETURNING version`

func (s *Store) writeArgs(ns, key, value string, ttl time.Duration) []any {
	now := s.nowMillis()
	ttlMillis := ttl.Milliseconds()
	var expires any
	if ttlMillis > 0 {
		expires = now + ttlMillis
	}
	return []any{
		sql.Named("ns", ns),
		sql.Named("key", key),
		sql.Named("value", value),
		sql.Named("ttl", ttlMillis),
		sql.Named("expires", expires),
		sql.Named("now", now),
	}
}

// Set stores value under (ns, key) unconditionally and returns the new
// version. A positive ttl replaces the key's TTL; a zero ttl renews the TTL
// the key already has.
func (s *Store) Set(ctx context.Context, ns, key string, value any, ttl time.Duration) (int64, error) {
	if err := validateKey(ns, key); err != nil {
		return 0, err
	}
	enc, err := encode(value)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.db.QueryRowContext(ctx, upsertSQL+" RETURNING version", s.writeArgs(ns, key, enc, ttl)...).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("statestore set %s/%s: %w", ns, key, err)
	}
	return version, nil
}

// SetIfVersion writes value only if the stored version equals expected
// (0 meaning "absent") and returns the new version. On mismatch it returns
// ErrVersionConflict and leaves the entry untouched.
func (s *Store) SetIfVersion(ctx context.Context, ns, key string, value any, expected int64, ttl time.Duration) (int64, error) {
	if err := validateKey(ns, key); err != nil {
		return 0, err
	}
	if expected < 0 {
		return 0, &protocol.ValidationError{Field: "expectedVersion", Reason: "must not be negative"}
	}
	enc, err := encode(value)
	if err != nil {
		return 0, err
	}

	args := s.writeArgs(ns, key, enc, ttl)
	query := casUpdateSQL
	if expected == 0 {
		query = upsertSQL + `
    WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= :now
RETURNING version`
	} else {
		args = append(args, sql.Named("expected", expected))
	}

	var version int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("statestore cas %s/%s: %w", ns, key, err)
	}
	return version, nil
}

// Mutate applies fn to the current value of (ns, key) and writes the result
// with SetIfVersion, retrying on conflict. fn receives nil when the key is
// absent and may return ErrNoChange to skip the write. The returned version
// is the one fn's value was written at.
func (s *Store) Mutate(ctx context.Context, ns, key string, ttl time.Duration, fn func(current json.RawMessage) (any, error)) (int64, error) {
	for range maxMutateAttempts {
		raw, version, err := s.GetWithVersion(ctx, ns, key)
		if err != nil {
			return 0, err
		}
		next, err := fn(raw)
		if errors.Is(err, ErrNoChange) {
			return version, nil
		}
		if err != nil {
			return 0, err
		}
		newVersion, err := s.SetIfVersion(ctx, ns, key, next, version, ttl)
		if errors.Is(err, ErrVersionConflict) {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		return newVersion, err
	}
	return 0, fmt.Errorf("statestore mutate %s/%s: %w", ns, key, ErrVersionConflict)
}

// UpdateFields shallow-merges partial into the JSON object stored under
// (ns, key), creating it when absent. The read and the write are separate
// statements: concurrent writers to the same key can overwrite each other.
func (s *Store) UpdateFields(ctx context.Context, ns, key string, partial map[string]any) (int64, error) {
	fields, err := s.readObject(ctx, ns, key)
	if err != nil {
		return 0, err
	}
	for k, v := range partial {
		fields[k] = v
	}
	return s.Set(ctx, ns, key, fields, 0)
}

// IncrementField adds delta to the numeric field of the JSON object stored
// under (ns, key) and returns the new value. Missing or non-numeric fields
// start from zero. Like UpdateFields this is read-then-write, not atomic.
func (s *Store) IncrementField(ctx context.Context, ns, key, field string, delta float64) (float64, error) {
	if field == "" {
		return 0, &protocol.ValidationError{Field: "field", Reason: "is required"}
	}
	fields, err := s.readObject(ctx, ns, key)
	if err != nil {
		return 0, err
	}
	current, _ := fields[field].(float64)
	next := current + delta
	fields[field] = next
	if _, err := s.Set(ctx, ns, key, fields, 0); err != nil {
		return 0, err
	}
	return next, nil
}

// readObject loads (ns, key) as a JSON object; absent or non-object payloads
// yield an empty map.
func (s *Store) readObject(ctx context.Context, ns, key string) (map[string]any, error) {
	fields := map[string]any{}
	if _, err := s.GetJSON(ctx, ns, key, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// Delete removes (ns, key). Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, ns, key string) error {
	if err := validateKey(ns, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, ns, key); err != nil {
		return fmt.Errorf("statestore delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// ListKeys returns the live keys in ns in ascending order.
func (s *Store) ListKeys(ctx context.Context, ns string) ([]string, error) {
	if ns == "" {
		return nil, &protocol.ValidationError{Field: "namespace", Reason: "is required"}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries
		 WHERE namespace = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`, ns, s.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("statestore list keys %s: %w", ns, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// List returns every live, well-formed entry in ns ordered by key.
func (s *Store) List(ctx context.Context, ns string) ([]Entry, error) {
	if ns == "" {
		return nil, &protocol.ValidationError{Field: "namespace", Reason: "is required"}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version FROM kv_entries
		 WHERE namespace = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`, ns, s.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("statestore list %s: %w", ns, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var value string
		if err := rows.Scan(&e.Key, &value, &e.Version); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if !json.Valid([]byte(value)) {
			continue
		}
		e.Value = json.RawMessage(value)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Rows returns the raw rows of ns, expired ones included, ordered by key.
// It is for inspection; use List for live values.
func (s *Store) Rows(ctx context.Context, ns string) ([]protocol.EntryRow, error) {
	if ns == "" {
		return nil, &protocol.ValidationError{Field: "namespace", Reason: "is required"}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, key, value, version, ttl_ms, COALESCE(expires_at, 0), updated_at
		 FROM kv_entries WHERE namespace = ? ORDER BY key`, ns)
	if err != nil {
		return nil, fmt.Errorf("statestore rows %s: %w", ns, err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.EntryRow
	for rows.Next() {
		var r protocol.EntryRow
		if err := rows.Scan(&r.Namespace, &r.Key, &r.Value, &r.Version, &r.TTLMillis, &r.ExpiresAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Sweep deletes expired entries and returns how many were removed. Reads
// already ignore expired rows; sweeping only reclaims space.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("statestore sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("statestore sweep rows: %w", err)
	}
	return n, nil
}
