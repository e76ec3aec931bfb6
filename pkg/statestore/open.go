package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"shim/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// busyTimeoutMillis bounds how long a writer waits for another process that
// holds the SQLite write lock.
const busyTimeoutMillis = 5000

// OpenDB opens the shared state database at path with production-safe
// defaults applied to every pooled connection, verifies it with PingContext
// and applies SchemaDDL.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}

	return db, nil
}

// dsn builds a modernc sqlite DSN. Pragmas go in the DSN rather than through
// db.Exec so they hold on every connection database/sql opens.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}
