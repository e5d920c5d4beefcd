package trail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/gpsuplink/internal/uplink/sample"
)

const OutcomeSent = "sent"

var columns = []string{"subject_id", "latitude", "longitude", "accuracy", "speed", "bearing", "captured_at", "outcome", "recorded_at"}

// copier is satisfied by *pgxpool.Pool and *pgx.Conn.
type copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type TrailConfig struct {
	Table      string        `mapstructure:"table"`
	BufSize    int           `mapstructure:"buf_size"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

// Trail records every sample handed to the uplink together with its delivery
// outcome. Records are buffered and written with COPY, either when the buffer
// fills or when the oldest record is older than FlushEvery.
type Trail struct {
	config *TrailConfig
	db     copier
	log    log.Logger

	wlock  sync.Mutex
	wbuf   buffer
	queue  chan buffer
	closed bool

	written int64
	failed  int64
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []record
}

func newBuffer(seq uint64, n int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, n)}
}

type record struct {
	subject  string
	lat      float64
	lon      float64
	accuracy float64
	speed    float64
	bearing  float64
	captured time.Time
	outcome  string
	recorded time.Time
}

func NewTrail(db copier, config *TrailConfig) *Trail {
	if config.Table == "" {
		config.Table = "uplink_trail"
	}
	if config.BufSize <= 0 {
		config.BufSize = 64
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	t := &Trail{config: config, db: db}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "trail").Str("table", config.Table).Value()
	t.wbuf = newBuffer(0, config.BufSize)
	t.queue = make(chan buffer, 4)
	return t
}

// CreateTable creates the trail table if it does not exist.
func CreateTable(ctx context.Context, db execer, table string) error {
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+pgx.Identifier{table}.Sanitize()+` (
		id bigserial PRIMARY KEY,
		subject_id text NOT NULL,
		latitude double precision NOT NULL,
		longitude double precision NOT NULL,
		accuracy double precision NOT NULL,
		speed double precision NOT NULL,
		bearing double precision NOT NULL,
		captured_at timestamptz NOT NULL,
		outcome text NOT NULL,
		recorded_at timestamptz NOT NULL
	)`)
	return err
}

// Put records s with the outcome of sending it. A nil err records OutcomeSent.
func (t *Trail) Put(s sample.Sample, err error) {
	outcome := OutcomeSent
	if err != nil {
		outcome = err.Error()
	}
	rec := record{
		subject:  s.SubjectID(),
		lat:      s.Latitude(),
		lon:      s.Longitude(),
		accuracy: s.Accuracy(),
		speed:    s.Speed(),
		bearing:  s.Bearing(),
		captured: s.CapturedAt(),
		outcome:  outcome,
		recorded: time.Now().UTC(),
	}
	t.wlock.Lock()
	defer t.wlock.Unlock()
	if t.closed {
		return
	}
	if len(t.wbuf.buf) == 0 {
		t.wbuf.t1 = rec.recorded
	}
	t.wbuf.buf = append(t.wbuf.buf, rec)
	if len(t.wbuf.buf) >= t.config.BufSize {
		t.flushLocked()
	}
}

func (t *Trail) flushLocked() {
	if len(t.wbuf.buf) == 0 {
		return
	}
	select {
	case t.queue <- t.wbuf:
	default:
		t.failed += int64(len(t.wbuf.buf))
		t.log.Warn().Uint64("seq", t.wbuf.seq).Int("length", len(t.wbuf.buf)).Msg("flusher behind, buffer discarded")
	}
	t.wbuf = newBuffer(t.wbuf.seq+1, t.config.BufSize)
}

// Run writes queued buffers until ctx is done, then flushes what is left.
func (t *Trail) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.FlushEvery)
	defer ticker.Stop()
	t.log.Info().Msg("starting flusher task")
	for {
		select {
		case buf := <-t.queue:
			t.write(ctx, buf)
		case now := <-ticker.C:
			t.wlock.Lock()
			if len(t.wbuf.buf) != 0 && now.Sub(t.wbuf.t1) >= t.config.FlushEvery {
				t.flushLocked()
			}
			t.wlock.Unlock()
		case <-ctx.Done():
			t.wlock.Lock()
			t.closed = true
			t.flushLocked()
			t.wlock.Unlock()
			close(t.queue)
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for buf := range t.queue {
				t.write(final, buf)
			}
			cancel()
			return
		}
	}
}

func (t *Trail) write(ctx context.Context, buf buffer) {
	t1 := time.Now()
	n, err := t.db.CopyFrom(ctx,
		pgx.Identifier{t.config.Table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.subject, d.lat, d.lon, d.accuracy, d.speed, d.bearing, d.captured, d.outcome, d.recorded}, nil
		}))
	t.wlock.Lock()
	t.written += n
	if err != nil {
		t.failed += int64(len(buf.buf)) - n
	}
	t.wlock.Unlock()
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
			t.log.Error().Str("hint", fmt.Sprintf("run with -init-trail to create %s", t.config.Table)).Msg("trail table missing")
			return
		}
		t.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
		return
	}
	t.log.Debug().Str("action", "flush").Int64("length", n).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
}

// Counts returns the number of records written and lost so far.
func (t *Trail) Counts() (written, failed int64) {
	t.wlock.Lock()
	defer t.wlock.Unlock()
	return t.written, t.failed
}
