// Package sqlite implements gateway.Gateway on an embedded single-file
// SQLite database via the pure-Go modernc.org/sqlite driver.
//
// The adapter opens one long-lived connection on Init and keeps it for the
// life of the project. Nested transactions use named savepoints.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
)

// healthTimeout bounds the health probe independently of normal operations.
const healthTimeout = 5 * time.Second

// Adapter is the embedded-backend implementation of gateway.Gateway.
// It is not safe for concurrent use; see the Gateway interface contract.
type Adapter struct {
	gateway.Emitter

	db      *sql.DB
	txDepth int
}

// New returns an uninitialised embedded adapter. Call Init before use.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Backend() gateway.Backend { return gateway.BackendEmbedded }

// Init opens the database file and applies the integrity PRAGMAs:
// foreign-key enforcement, write-ahead journaling, synchronous=NORMAL and a
// bounded busy wait. The pool is pinned to a single connection so that
// savepoints always land on the same session.
func (a *Adapter) Init(cfg gateway.Config) error {
	if cfg.Backend != gateway.BackendEmbedded {
		return dberr.Newf(dberr.KindValidation, "embedded adapter requires backend %q, got %q", gateway.BackendEmbedded, cfg.Backend)
	}
	if cfg.Path == "" {
		return dberr.New(dberr.KindValidation, "embedded adapter requires a database file path")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return mapError(err, "open database")
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return mapError(err, pragma)
		}
	}

	a.db = db
	return nil
}

// Close releases the long-lived connection. Safe to call repeatedly.
func (a *Adapter) Close() {
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
	a.txDepth = 0
}

func (a *Adapter) ensureInit() error {
	if a.db == nil {
		return dberr.New(dberr.KindOperational, "embedded adapter not initialised")
	}
	return nil
}

// Exec runs a statement and returns the affected row count.
func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	if err := a.ensureInit(); err != nil {
		a.emitFailure("exec", start, err)
		return 0, err
	}

	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		mapped := mapError(err, "exec failed")
		a.emitFailure("exec", start, mapped)
		return 0, mapped
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	ev := gateway.Success("exec", a.Backend(), start)
	ev.RowCount = affected
	a.Emit(ev)
	return affected, nil
}

// QueryAll runs a SELECT and returns every row in result order.
func (a *Adapter) QueryAll(ctx context.Context, query string, args ...any) ([][]any, error) {
	start := time.Now()
	if err := a.ensureInit(); err != nil {
		a.emitFailure("query_all", start, err)
		return nil, err
	}

	out, err := scanAll(ctx, a.db, query, args...)
	if err != nil {
		mapped := mapError(err, "query failed")
		a.emitFailure("query_all", start, mapped)
		return nil, mapped
	}
	ev := gateway.Success("query_all", a.Backend(), start)
	ev.Rows = len(out)
	a.Emit(ev)
	return out, nil
}

// QueryOne runs a SELECT and returns the first row, or nil if none.
func (a *Adapter) QueryOne(ctx context.Context, query string, args ...any) ([]any, error) {
	start := time.Now()
	if err := a.ensureInit(); err != nil {
		a.emitFailure("query_one", start, err)
		return nil, err
	}

	rows, err := scanAll(ctx, a.db, query, args...)
	if err != nil {
		mapped := mapError(err, "query failed")
		a.emitFailure("query_one", start, mapped)
		return nil, mapped
	}
	ev := gateway.Success("query_one", a.Backend(), start)
	if len(rows) == 0 {
		a.Emit(ev)
		return nil, nil
	}
	ev.Rows = 1
	a.Emit(ev)
	return rows[0], nil
}

// Transact runs fn inside a savepoint named for the current nesting depth.
// On failure the savepoint is rolled back and released and the original
// error propagates unmodified; the depth counter is decremented on every
// exit path.
func (a *Adapter) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := a.ensureInit(); err != nil {
		a.emitFailure("transaction_start", start, err)
		return err
	}

	a.txDepth++
	sp := fmt.Sprintf("sp_%d", a.txDepth)
	if _, err := a.db.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		a.txDepth--
		mapped := mapError(err, "savepoint failed")
		a.emitFailure("transaction_start", start, mapped)
		return mapped
	}

	innerErr := runProtected(ctx, fn)
	if innerErr != nil {
		_, rbErr := a.db.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		if rbErr == nil {
			_, rbErr = a.db.ExecContext(ctx, "RELEASE SAVEPOINT "+sp)
		}
		a.txDepth--
		if rbErr != nil {
			mapped := mapError(rbErr, "rollback failed")
			a.emitFailure("transaction_rollback", start, mapped)
			return mapped
		}
		a.emitFailure("transaction_rollback", start, innerErr)
		// Callers see the real cause, not a wrapped rollback error.
		return innerErr
	}

	if _, err := a.db.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		a.txDepth--
		mapped := mapError(err, "commit failed")
		a.emitFailure("transaction_commit", start, mapped)
		return mapped
	}
	a.txDepth--
	a.Emit(gateway.Success("transaction_commit", a.Backend(), start))
	return nil
}

// HealthCheck verifies the file is readable with a probe bounded by a
// timeout independent of normal operations.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	start := time.Now()
	if err := a.ensureInit(); err != nil {
		a.emitFailure("health_check", start, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var one int
	if err := a.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil || one != 1 {
		if err == nil {
			err = dberr.New(dberr.KindOperational, "health probe returned unexpected result")
		}
		mapped := mapError(err, "health check failed")
		a.emitFailure("health_check", start, mapped)
		return mapped
	}
	a.Emit(gateway.Success("health_check", a.Backend(), start))
	return nil
}

func (a *Adapter) emitFailure(op string, start time.Time, err error) {
	a.Emit(gateway.Failure(op, a.Backend(), start, dberr.KindOf(err).String(), err.Error()))
}

// runProtected invokes fn, converting a panic into a classified error so
// the savepoint bookkeeping above always unwinds.
func runProtected(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dberr.Newf(dberr.KindProgramming, "panic in transaction body: %v", r)
		}
	}()
	return fn(ctx)
}

// scanAll runs a query and materialises every row as []any.
func scanAll(ctx context.Context, db *sql.DB, query string, args ...any) ([][]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, rows.Err()
}
