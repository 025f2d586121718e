// Package mssql implements gateway.Gateway against a remote SQL Server
// instance via github.com/microsoft/go-mssqldb.
//
// The adapter holds no connection pool: outside a transaction every
// operation connects and disconnects, inside a transaction one dedicated
// connection lives for the whole nesting scope. Transient failures are
// retried with exponential backoff before an error reaches the caller.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/microsoft/go-mssqldb"         // registers "sqlserver" and "mssql"
	_ "github.com/microsoft/go-mssqldb/azuread" // registers the federated driver

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
)

const (
	maxAttempts              = 3
	initialBackoff           = 500 * time.Millisecond
	healthTimeoutSecs        = 10
	healthTimeoutInteractive = 5
)

// Adapter is the remote-backend implementation of gateway.Gateway.
// It is not safe for concurrent use; see the Gateway interface contract.
type Adapter struct {
	gateway.Emitter

	cfg     gateway.Config
	init    bool
	txDB    *sql.DB // open only while a transaction scope is active
	tx      *sql.Tx
	txDepth int

	// openDB is swapped out by tests to observe connection attempts.
	openDB func(driver, dsn string) (*sql.DB, error)
	// sleeper is swapped out by tests to skip real backoff waits.
	newBackoff func() backoff.BackOff
}

// New returns an uninitialised remote adapter. Call Init before use.
func New() *Adapter {
	return &Adapter{
		openDB:     sql.Open,
		newBackoff: defaultBackoff,
	}
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxAttempts-1)
}

func (a *Adapter) Backend() gateway.Backend { return gateway.BackendRemote }

// Init validates the connection descriptor. No connection is persisted; the
// remote backend connects per operation or per transaction.
func (a *Adapter) Init(cfg gateway.Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	a.cfg = cfg
	a.init = true
	return nil
}

// Close releases the transaction connection if one is still open. Safe to
// call repeatedly.
func (a *Adapter) Close() {
	if a.txDB != nil {
		if a.tx != nil {
			_ = a.tx.Rollback()
			a.tx = nil
		}
		_ = a.txDB.Close()
		a.txDB = nil
	}
	a.txDepth = 0
}

func (a *Adapter) ensureInit() error {
	if !a.init {
		return dberr.New(dberr.KindOperational, "remote adapter not initialised")
	}
	return nil
}

// connect opens a fresh connection for one operation or transaction.
func (a *Adapter) connect(timeoutSecs int) (*sql.DB, error) {
	dsn, err := buildDSN(a.cfg, timeoutSecs)
	if err != nil {
		return nil, err
	}
	db, err := a.openDB(driverName(a.cfg), dsn)
	if err != nil {
		return nil, mapError(err, "connect failed")
	}
	return db, nil
}

// withRetry runs op, retrying classified Transient errors with exponential
// backoff up to maxAttempts total attempts. Any other classification is
// permanent and propagates immediately.
func (a *Adapter) withRetry(op func() error) error {
	wrapped := func() error {
		if err := op(); err != nil {
			if dberr.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(wrapped, a.newBackoff())
}

// Exec runs a statement and returns the affected row count.
func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	var affected int64
	err := a.run(ctx, func(ex executor) error {
		res, err := ex.ExecContext(ctx, query, args...)
		if err != nil {
			return mapError(err, "exec failed")
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = 0
		}
		affected = n
		return nil
	})
	if err != nil {
		a.emitFailure("exec", start, err)
		return 0, err
	}
	ev := gateway.Success("exec", a.Backend(), start)
	ev.RowCount = affected
	a.Emit(ev)
	return affected, nil
}

// QueryAll runs a SELECT and returns every row in result order.
func (a *Adapter) QueryAll(ctx context.Context, query string, args ...any) ([][]any, error) {
	start := time.Now()
	var out [][]any
	err := a.run(ctx, func(ex executor) error {
		rows, err := scanAll(ctx, ex, query, args...)
		if err != nil {
			return mapError(err, "query failed")
		}
		out = rows
		return nil
	})
	if err != nil {
		a.emitFailure("query_all", start, err)
		return nil, err
	}
	ev := gateway.Success("query_all", a.Backend(), start)
	ev.Rows = len(out)
	a.Emit(ev)
	return out, nil
}

// QueryOne runs a SELECT and returns the first row, or nil if none.
func (a *Adapter) QueryOne(ctx context.Context, query string, args ...any) ([]any, error) {
	rows, err := a.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// executor is the common surface of *sql.DB and *sql.Tx the operations use.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// run executes op against the live transaction when one is open, otherwise
// against a short-lived connection, retrying transient failures either way.
func (a *Adapter) run(ctx context.Context, op func(ex executor) error) error {
	if err := a.ensureInit(); err != nil {
		return err
	}
	return a.withRetry(func() error {
		if a.tx != nil {
			return op(a.tx)
		}
		db, err := a.connect(0)
		if err != nil {
			return err
		}
		defer db.Close()
		return op(db)
	})
}

// Transact opens a dedicated manual-commit connection at the outermost
// level and issues named save-transactions for deeper nesting. The
// connection is closed exactly once when the depth returns to zero,
// whether the scope commits or rolls back.
func (a *Adapter) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := a.ensureInit(); err != nil {
		a.emitFailure("transaction_start", start, err)
		return err
	}

	if a.txDepth == 0 {
		err := a.withRetry(func() error {
			db, err := a.connect(0)
			if err != nil {
				return err
			}
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				db.Close()
				return mapError(err, "begin transaction failed")
			}
			a.txDB, a.tx = db, tx
			return nil
		})
		if err != nil {
			a.emitFailure("transaction_start", start, err)
			return err
		}
	}

	a.txDepth++
	sp := fmt.Sprintf("sp_%d", a.txDepth)
	if a.txDepth > 1 {
		if _, err := a.tx.ExecContext(ctx, "SAVE TRANSACTION "+sp); err != nil {
			a.txDepth--
			mapped := mapError(err, "save transaction failed")
			a.emitFailure("transaction_start", start, mapped)
			return mapped
		}
	}

	innerErr := runProtected(ctx, fn)
	if innerErr != nil {
		var rbErr error
		if a.txDepth > 1 {
			_, rbErr = a.tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+sp)
		} else {
			rbErr = a.tx.Rollback()
		}
		a.exitDepth()
		if rbErr != nil {
			mapped := mapError(rbErr, "rollback failed")
			a.emitFailure("transaction_rollback", start, mapped)
			return mapped
		}
		a.emitFailure("transaction_rollback", start, innerErr)
		return innerErr
	}

	if a.txDepth == 1 {
		if err := a.tx.Commit(); err != nil {
			a.exitDepth()
			mapped := mapError(err, "commit failed")
			a.emitFailure("transaction_commit", start, mapped)
			return mapped
		}
	}
	a.exitDepth()
	a.Emit(gateway.Success("transaction_commit", a.Backend(), start))
	return nil
}

// exitDepth decrements the nesting counter and tears down the dedicated
// connection when the outermost scope exits.
func (a *Adapter) exitDepth() {
	a.txDepth--
	if a.txDepth == 0 && a.txDB != nil {
		_ = a.txDB.Close()
		a.txDB = nil
		a.tx = nil
	}
}

// HealthCheck probes the server with a single attempt and a timeout shorter
// than normal operations. Federated modes skip the probe entirely: the
// token manager has already completed an authenticated round trip, and a
// second probe risks re-prompting the user or hanging a worker.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	start := time.Now()
	if err := a.ensureInit(); err != nil {
		a.emitFailure("health_check", start, err)
		return err
	}

	if a.cfg.AuthMode.Federated() {
		ev := gateway.Success("health_check", a.Backend(), start)
		ev.Skipped = "federated_pre_authenticated"
		a.Emit(ev)
		return nil
	}

	timeoutSecs := healthTimeoutSecs
	if a.cfg.TimeoutSecs > 0 && a.cfg.TimeoutSecs < timeoutSecs {
		timeoutSecs = a.cfg.TimeoutSecs
	}
	if a.cfg.AuthMode.Interactive() && timeoutSecs > healthTimeoutInteractive {
		timeoutSecs = healthTimeoutInteractive
	}

	probe := func() error {
		db, err := a.connect(timeoutSecs)
		if err != nil {
			return err
		}
		defer db.Close()

		probeCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
		defer cancel()

		var one int
		if err := db.QueryRowContext(probeCtx, "SELECT 1").Scan(&one); err != nil {
			return mapError(err, "health check failed")
		}
		if one != 1 {
			return dberr.New(dberr.KindOperational, "health probe returned unexpected result")
		}
		return nil
	}

	// Single attempt: a health probe must never block the caller on backoff.
	if err := probe(); err != nil {
		a.emitFailure("health_check", start, err)
		return err
	}
	a.Emit(gateway.Success("health_check", a.Backend(), start))
	return nil
}

func (a *Adapter) emitFailure(op string, start time.Time, err error) {
	a.Emit(gateway.Failure(op, a.Backend(), start, dberr.KindOf(err).String(), err.Error()))
}

func runProtected(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dberr.Newf(dberr.KindProgramming, "panic in transaction body: %v", r)
		}
	}()
	return fn(ctx)
}

// scanAll runs a query and materialises every row as []any.
func scanAll(ctx context.Context, ex executor, query string, args ...any) ([][]any, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
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
