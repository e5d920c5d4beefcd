package trail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"nuha.dev/gpsuplink/internal/uplink/sample"
)

type fakeCopier struct {
	mu    sync.Mutex
	table pgx.Identifier
	rows  [][]interface{}
	err   error
	calls int
}

func (f *fakeCopier) CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.table = table
	var n int64
	for src.Next() {
		v, err := src.Values()
		if err != nil {
			return n, err
		}
		if len(v) != len(cols) {
			return n, errors.New("column count mismatch")
		}
		f.rows = append(f.rows, v)
		n++
	}
	return n, nil
}

func (f *fakeCopier) snapshot() (int, [][]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([][]interface{}(nil), f.rows...)
}

func mustSample(t *testing.T, id string) sample.Sample {
	t.Helper()
	s, err := sample.New(id, -6.2, 106.8, 5, 1, 90)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	return s
}

func waitRows(t *testing.T, db *fakeCopier, n int) [][]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, rows := db.snapshot()
		if len(rows) >= n {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d rows, want %d", len(rows), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushOnFullBuffer(t *testing.T) {
	db := &fakeCopier{}
	tr := NewTrail(db, &TrailConfig{Table: "trail", BufSize: 2, FlushEvery: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.Put(mustSample(t, "a"), nil)
	tr.Put(mustSample(t, "b"), errors.New("client: handshake pending"))
	rows := waitRows(t, db, 2)
	if rows[0][0] != "a" || rows[0][7] != OutcomeSent {
		t.Errorf("row 0 %v", rows[0])
	}
	if rows[1][7] != "client: handshake pending" {
		t.Errorf("row 1 outcome %v", rows[1][7])
	}
	if db.table[0] != "trail" {
		t.Errorf("table %v", db.table)
	}
}

func TestFlushOnAge(t *testing.T) {
	db := &fakeCopier{}
	tr := NewTrail(db, &TrailConfig{BufSize: 100, FlushEvery: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.Put(mustSample(t, "a"), nil)
	waitRows(t, db, 1)
}

func TestFlushOnStop(t *testing.T) {
	db := &fakeCopier{}
	tr := NewTrail(db, &TrailConfig{BufSize: 100, FlushEvery: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	tr.Put(mustSample(t, "a"), nil)
	tr.Put(mustSample(t, "b"), nil)
	cancel()
	<-done
	if _, rows := db.snapshot(); len(rows) != 2 {
		t.Errorf("%d rows after stop", len(rows))
	}
	tr.Put(mustSample(t, "c"), nil)
	if written, _ := tr.Counts(); written != 2 {
		t.Errorf("written %d", written)
	}
}

func TestWriteErrorCounted(t *testing.T) {
	db := &fakeCopier{err: &pgconn.PgError{Code: pgerrcode.UndefinedTable}}
	tr := NewTrail(db, &TrailConfig{BufSize: 1, FlushEvery: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	tr.Put(mustSample(t, "a"), nil)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, failed := tr.Counts(); failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failure not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

type fakeExec struct {
	sql string
}

func (f *fakeExec) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.sql = sql
	return pgconn.CommandTag("CREATE TABLE"), nil
}

func TestCreateTable(t *testing.T) {
	db := &fakeExec{}
	if err := CreateTable(context.Background(), db, "uplink_trail"); err != nil {
		t.Fatal(err)
	}
	if want := `CREATE TABLE IF NOT EXISTS "uplink_trail"`; len(db.sql) < len(want) || db.sql[:len(want)] != want {
		t.Errorf("sql %q", db.sql)
	}
}
