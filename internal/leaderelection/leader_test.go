package leaderelection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/voidwatch/killfeed/internal/testutil"
)

// fakeConn is a minimal driver connection: it answers the advisory lock
// query with a canned result and fails pings on demand.
type fakeConn struct {
	mu      sync.Mutex
	acquire bool
	pingErr error
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("not supported") }

func (c *fakeConn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &boolRow{value: c.acquire}, nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

type boolRow struct {
	value bool
	done  bool
}

func (r *boolRow) Columns() []string { return []string{"pg_try_advisory_lock"} }

func (r *boolRow) Close() error { return nil }

func (r *boolRow) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.value
	return nil
}

type fakeConnector struct{ conn *fakeConn }

func (f *fakeConnector) Connect(context.Context) (driver.Conn, error) { return f.conn, nil }

func (f *fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use the connector") }

type recordingSink struct {
	mu     sync.Mutex
	events []bool
}

func (s *recordingSink) LeadershipChanged(leading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, leading)
}

func (s *recordingSink) all() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.events...)
}

func TestElectorDemotesAfterConnLoss(t *testing.T) {
	ctx := testutil.TestContext(t)
	conn := &fakeConn{acquire: true, pingErr: errors.New("connection reset")}
	db := sql.OpenDB(&fakeConnector{conn: conn})
	defer db.Close()

	leaderCtxCh := make(chan context.Context, 1)
	demoted := make(chan struct{})
	sink := &recordingSink{}

	e := New(db, 42, 10*time.Millisecond, time.Millisecond,
		func(leaderCtx context.Context) { leaderCtxCh <- leaderCtx },
		func() {
			// The leader context must already be cancelled when the
			// demotion handler runs, so the listener it stops cannot
			// outlive leadership.
			select {
			case leaderCtx := <-leaderCtxCh:
				if leaderCtx.Err() == nil {
					t.Error("demoted while the leader context was still live")
				}
			case <-time.After(5 * time.Second):
				t.Error("demoted but the election callback never ran")
			}
			close(demoted)
		},
	).WithMetrics(sink)

	if reason := e.runOnce(ctx); reason != "conn_lost" {
		t.Fatalf("runOnce reason = %q, want conn_lost", reason)
	}

	select {
	case <-demoted:
	default:
		t.Fatal("connection loss did not demote")
	}

	if got := sink.all(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("leadership metric events = %v, want [true false]", got)
	}
}

func TestElectorLockHeldDoesNotElect(t *testing.T) {
	ctx := testutil.TestContext(t)
	conn := &fakeConn{acquire: false}
	db := sql.OpenDB(&fakeConnector{conn: conn})
	defer db.Close()

	e := New(db, 42, 10*time.Millisecond, time.Millisecond,
		func(context.Context) { t.Error("elected without holding the lock") },
		func() { t.Error("demoted without ever being elected") },
	)

	if reason := e.runOnce(ctx); reason != "" {
		t.Errorf("runOnce reason = %q, want empty", reason)
	}
}

func TestElectorShutdownDemotes(t *testing.T) {
	conn := &fakeConn{acquire: true}
	db := sql.OpenDB(&fakeConnector{conn: conn})
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	demoted := make(chan struct{})

	e := New(db, 42, 10*time.Millisecond, time.Millisecond,
		func(leaderCtx context.Context) { <-leaderCtx.Done() },
		func() { close(demoted) },
	)

	time.AfterFunc(20*time.Millisecond, cancel)
	if reason := e.runOnce(ctx); reason != "shutdown" {
		t.Fatalf("runOnce reason = %q, want shutdown", reason)
	}

	select {
	case <-demoted:
	default:
		t.Fatal("shutdown did not demote")
	}
}
