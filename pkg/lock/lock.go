// Package lock provides resource-scoped mutual exclusion across processes
// sharing one state database. A lock is a row in the locks table with an
// owner token and an expiry; an expired row is free for the next acquirer.
// Every compare-and-act (acquire, release, extend) is one SQL statement.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"shim/pkg/protocol"

	"github.com/google/uuid"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 50 * time.Millisecond
)

// ErrNotAcquired is returned by WithLock when the lock stayed held by
// someone else for the whole timeout.
var ErrNotAcquired = errors.New("lock not acquired")

// Options controls a single Acquire call.
type Options struct {
	// TTL is how long the lock is held before it expires on its own.
	TTL time.Duration
	// Timeout bounds how long Acquire keeps polling. Zero means one attempt.
	Timeout time.Duration
	// RetryDelay is the pause between polling attempts.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Locker acquires and releases locks in the locks table. It remembers the
// tokens it holds so ReleaseAll can drop them on shutdown.
type Locker struct {
	db *sql.DB

	mu   sync.Mutex
	held map[string]string // resource -> owner token

	// nowFunc allows tests to control lock expiry.
	nowFunc func() time.Time
}

// New creates a Locker on db. The locks table must exist.
func New(db *sql.DB) *Locker {
	return &Locker{
		db:      db,
		held:    make(map[string]string),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock used for lock expiry.
func (l *Locker) SetNowFunc(fn func() time.Time) {
	l.nowFunc = fn
}

func validateResource(resource string) error {
	if resource == "" {
		return &protocol.ValidationError{Field: "resource", Reason: "is required"}
	}
	return nil
}

// Acquire tries to take resource. On success it returns the owner token
// needed for Release and Extend. A lock still held by someone else after
// opts.Timeout yields ok=false with a nil error.
func (l *Locker) Acquire(ctx context.Context, resource string, opts Options) (string, bool, error) {
	if err := validateResource(resource); err != nil {
		return "", false, err
	}
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.Timeout)

	for {
		token := uuid.New().String()
		ok, err := l.tryAcquire(ctx, resource, token, opts.TTL)
		if err != nil {
			return "", false, err
		}
		if ok {
			l.mu.Lock()
			l.held[resource] = token
			l.mu.Unlock()
			return token, true, nil
		}

		if opts.Timeout <= 0 || !time.Now().Before(deadline) {
			return "", false, nil
		}

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Locker) tryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	now := l.nowFunc().UnixMilli()
	var owner string
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO locks (resource, owner_token, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(resource) DO UPDATE SET
		     owner_token = excluded.owner_token,
		     acquired_at = excluded.acquired_at,
		     expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?
		 RETURNING owner_token`,
		resource, token, now, now+ttl.Milliseconds(), now).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	return owner == token, nil
}

// Release drops resource if token still owns it. It reports false when the
// token does not match, including when the lock already expired and was
// taken by someone else.
func (l *Locker) Release(ctx context.Context, resource, token string) (bool, error) {
	if err := validateResource(resource); err != nil {
		return false, err
	}
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource = ? AND owner_token = ?`, resource, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}

	l.mu.Lock()
	if l.held[resource] == token {
		delete(l.held, resource)
	}
	l.mu.Unlock()
	return n == 1, nil
}

// Extend pushes the expiry of a lock token still owns to now+ttl. Expired
// locks cannot be extended.
func (l *Locker) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if err := validateResource(resource); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.nowFunc().UnixMilli()
	res, err := l.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ?
		 WHERE resource = ? AND owner_token = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), resource, token, now)
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", resource, err)
	}
	return n == 1, nil
}

// Info returns the live lock row for resource, or nil when it is free.
func (l *Locker) Info(ctx context.Context, resource string) (*protocol.LockRow, error) {
	if err := validateResource(resource); err != nil {
		return nil, err
	}
	var row protocol.LockRow
	err := l.db.QueryRowContext(ctx,
		`SELECT resource, owner_token, acquired_at, expires_at FROM locks
		 WHERE resource = ? AND expires_at > ?`,
		resource, l.nowFunc().UnixMilli()).
		Scan(&row.Resource, &row.OwnerToken, &row.AcquiredAt, &row.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", resource, err)
	}
	return &row, nil
}

// IsHeld reports whether anyone holds a live lock on resource.
func (l *Locker) IsHeld(ctx context.Context, resource string) (bool, error) {
	row, err := l.Info(ctx, resource)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// Owner returns the token holding resource.
func (l *Locker) Owner(ctx context.Context, resource string) (string, bool, error) {
	row, err := l.Info(ctx, resource)
	if err != nil || row == nil {
		return "", false, err
	}
	return row.OwnerToken, true, nil
}

// Held returns the resources this Locker acquired and has not released,
// sorted.
func (l *Locker) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.held))
	for r := range l.held {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// ReleaseAll releases every lock this Locker holds. Locks that expired and
// were taken over are skipped silently.
func (l *Locker) ReleaseAll(ctx context.Context) error {
	l.mu.Lock()
	held := make(map[string]string, len(l.held))
	for r, tok := range l.held {
		held[r] = tok
	}
	l.mu.Unlock()

	var errs []error
	for resource, token := range held {
		if _, err := l.Release(ctx, resource, token); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep deletes expired lock rows and returns how many were removed.
func (l *Locker) Sweep(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at <= ?`, l.nowFunc().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	return res.RowsAffected()
}

// WithLock runs fn while holding resource and releases it afterwards.
// It returns ErrNotAcquired when the lock could not be taken in time.
func (l *Locker) WithLock(ctx context.Context, resource string, opts Options, fn func(context.Context) error) error {
	token, ok, err := l.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", resource, ErrNotAcquired)
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still frees the row.
		_, _ = l.Release(context.WithoutCancel(ctx), resource, token)
	}()
	return fn(ctx)
}
