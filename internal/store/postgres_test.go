package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDriver backs a *sql.DB without a real database: Begin fails with a
// configured error a fixed number of times, then hands out no-op
// transactions.
type flakyDriver struct {
	failures int32
	err      error
	attempts int32
}

func (d *flakyDriver) Open(string) (driver.Conn, error) { return &flakyConn{d: d}, nil }

type flakyConn struct{ d *flakyDriver }

func (c *flakyConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *flakyConn) Close() error { return nil }

func (c *flakyConn) Begin() (driver.Tx, error) {
	atomic.AddInt32(&c.d.attempts, 1)
	if atomic.AddInt32(&c.d.failures, -1) >= 0 {
		return nil, c.d.err
	}
	return noopTx{}, nil
}

type noopTx struct{}

func (noopTx) Commit() error   { return nil }
func (noopTx) Rollback() error { return nil }

var flakyDriverSeq int32

func newFlakyStore(t *testing.T, d *flakyDriver) *PostgresStore {
	t.Helper()
	name := fmt.Sprintf("flaky-%d", atomic.AddInt32(&flakyDriverSeq, 1))
	sql.Register(name, d)
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db)
}

func TestBeginRetriesTransientFailures(t *testing.T) {
	d := &flakyDriver{failures: 2, err: errors.New("read tcp 127.0.0.1:5432: connection reset by peer")}
	st := newFlakyStore(t, d)

	tx, err := st.begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, int32(3), atomic.LoadInt32(&d.attempts), "two transient failures, then success")
}

func TestBeginSurfacesNonTransientFailureImmediately(t *testing.T) {
	d := &flakyDriver{failures: 10, err: errors.New("pq: permission denied for table agents")}
	st := newFlakyStore(t, d)

	_, err := st.begin(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.attempts), "non-transient errors are not retried")
}
