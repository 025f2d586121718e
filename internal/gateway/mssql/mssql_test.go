package mssql

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cenkalti/backoff/v4"
	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
)

// connQueue hands prepared sqlmock connections to the adapter one per
// connect, so tests can count and script every connection attempt.
type connQueue struct {
	t     *testing.T
	mocks []sqlmock.Sqlmock
	dbs   []*sql.DB
	calls int
}

func (q *connQueue) push(prepare func(m sqlmock.Sqlmock)) {
	db, m, err := sqlmock.New()
	require.NoError(q.t, err)
	prepare(m)
	q.dbs = append(q.dbs, db)
	q.mocks = append(q.mocks, m)
}

func (q *connQueue) open(driver, dsn string) (*sql.DB, error) {
	require.Less(q.t, q.calls, len(q.dbs), "unexpected extra connection attempt")
	db := q.dbs[q.calls]
	q.calls++
	return db, nil
}

func (q *connQueue) verify() {
	for i, m := range q.mocks {
		assert.NoError(q.t, m.ExpectationsWereMet(), "connection %d", i)
	}
}

func newTestAdapter(t *testing.T, mode gateway.AuthMode) (*Adapter, *connQueue) {
	t.Helper()
	q := &connQueue{t: t}
	a := New()
	a.openDB = q.open
	// Zero delays: retry behavior is under test, waiting is not.
	a.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxAttempts-1)
	}

	cfg := remoteCfg(mode)
	if mode == gateway.AuthSQL {
		cfg.Username = "sa"
		cfg.Password = "pw"
	}
	require.NoError(t, a.Init(cfg))
	return a, q
}

func TestExecRetriesTransientThenSucceeds(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	transient := mssqldb.Error{Number: 40501, Message: "service busy"}

	for i := 0; i < 2; i++ {
		q.push(func(m sqlmock.Sqlmock) {
			m.ExpectExec("UPDATE").WillReturnError(transient)
			m.ExpectClose()
		})
	}
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 3))
		m.ExpectClose()
	})

	n, err := a.Exec(context.Background(), "UPDATE [qpd-records] SET [label] = @p1", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 3, q.calls, "two transient failures then success")
	q.verify()
}

func TestExecGivesUpAfterMaxAttempts(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	transient := mssqldb.Error{Number: 40613, Message: "database unavailable"}

	for i := 0; i < maxAttempts; i++ {
		q.push(func(m sqlmock.Sqlmock) {
			m.ExpectExec("UPDATE").WillReturnError(transient)
			m.ExpectClose()
		})
	}

	_, err := a.Exec(context.Background(), "UPDATE [qpd-records] SET [label] = @p1", "x")
	require.Error(t, err)
	assert.True(t, dberr.IsTransient(err))
	assert.Equal(t, maxAttempts, q.calls)
	q.verify()
}

func TestExecDoesNotRetryPermanentErrors(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectExec("INSERT").WillReturnError(mssqldb.Error{Number: 18456, Message: "login failed"})
		m.ExpectClose()
	})

	_, err := a.Exec(context.Background(), "INSERT INTO [qpd-datasets] ([id]) VALUES (@p1)", 1)
	require.Error(t, err)
	assert.True(t, dberr.IsAuth(err))
	assert.Equal(t, 1, q.calls, "auth failures must not be retried")
	q.verify()
}

func TestQueryAllScansRows(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectQuery("SELECT").WillReturnRows(
			sqlmock.NewRows([]string{"id", "name"}).
				AddRow(1, "alpha").
				AddRow(2, "beta"))
		m.ExpectClose()
	})

	rows, err := a.QueryAll(context.Background(), "SELECT [id], [name] FROM [qpd-datasets]")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "beta", rows[1][1])
	q.verify()
}

func TestTransactNestedSavepoints(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectBegin()
		m.ExpectExec("INSERT").WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectExec("SAVE TRANSACTION sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
		m.ExpectExec("ROLLBACK TRANSACTION sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
		m.ExpectCommit()
		m.ExpectClose()
	})

	ctx := context.Background()
	sentinel := errors.New("inner aborts")
	err := a.Transact(ctx, func(ctx context.Context) error {
		if _, err := a.Exec(ctx, "INSERT INTO [qpd-datasets] ([id]) VALUES (@p1)", 1); err != nil {
			return err
		}
		inner := a.Transact(ctx, func(ctx context.Context) error {
			return sentinel
		})
		assert.Same(t, sentinel, inner)
		return nil
	})
	require.NoError(t, err)

	assert.Zero(t, a.txDepth, "depth returns to zero on every path")
	assert.Nil(t, a.txDB, "dedicated connection closed exactly once")
	assert.Equal(t, 1, q.calls, "one connection for the whole nesting scope")
	q.verify()
}

func TestTransactOutermostRollback(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectBegin()
		m.ExpectRollback()
		m.ExpectClose()
	})

	sentinel := errors.New("nothing to commit")
	err := a.Transact(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	assert.Same(t, sentinel, err)
	assert.Zero(t, a.txDepth)
	assert.Nil(t, a.txDB)
	q.verify()
}

func TestTransactPanicUnwinds(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectBegin()
		m.ExpectRollback()
		m.ExpectClose()
	})

	err := a.Transact(context.Background(), func(ctx context.Context) error {
		panic("bug in transaction body")
	})
	assert.True(t, dberr.IsProgramming(err))
	assert.Zero(t, a.txDepth)
	assert.Nil(t, a.txDB)
	q.verify()
}

func TestHealthCheckProbesOnce(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		m.ExpectClose()
	})

	var events []gateway.Event
	a.SetObserver(func(ev gateway.Event) { events = append(events, ev) })

	require.NoError(t, a.HealthCheck(context.Background()))
	assert.Equal(t, 1, q.calls)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Empty(t, events[0].Skipped)
	q.verify()
}

func TestHealthCheckFailureIsSingleAttempt(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthWindows)
	q.push(func(m sqlmock.Sqlmock) {
		m.ExpectQuery("SELECT 1").WillReturnError(mssqldb.Error{Number: 40501, Message: "busy"})
		m.ExpectClose()
	})

	err := a.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, q.calls, "health probes never retry")
	q.verify()
}

func TestHealthCheckFederatedSkipsProbe(t *testing.T) {
	a, q := newTestAdapter(t, gateway.AuthAzureADInteractive)

	var events []gateway.Event
	a.SetObserver(func(ev gateway.Event) { events = append(events, ev) })

	require.NoError(t, a.HealthCheck(context.Background()))
	assert.Zero(t, q.calls, "federated modes must not open a probe connection")
	require.Len(t, events, 1)
	assert.Equal(t, "federated_pre_authenticated", events[0].Skipped)
}

func TestOperationsRequireInit(t *testing.T) {
	a := New()
	_, err := a.Exec(context.Background(), "SELECT 1")
	assert.Error(t, err)
	assert.Error(t, a.HealthCheck(context.Background()))
}
