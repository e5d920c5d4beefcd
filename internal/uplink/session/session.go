package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Close status codes shared by both websocket backends.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusAbnormalClosure = 1006
	StatusInternalError   = 1011
)

var (
	ErrNotOpen     = errors.New("session not open")
	ErrQueueFull   = errors.New("session send queue full")
	ErrSessionUsed = errors.New("session already used")
)

// OpenError is delivered to OnError when the connection could not be
// established (dial, TLS or handshake failure, connect timeout).
type OpenError struct {
	URL string
	Err error
}

func (e *OpenError) Error() string {
	return "open " + e.URL + ": " + e.Err.Error()
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Handler receives the events of one session. All callbacks run on the
// session's own goroutine, one at a time. Nothing is called after OnClose.
type Handler struct {
	OnOpen    func()
	OnMessage func(d []byte)
	OnClose   func(code int, reason string, remote bool)
	OnError   func(err error)
}

// Session is a single-use message-stream connection.
type Session interface {
	Open(url string, h Handler) error
	Send(d []byte) error
	Close(code int, reason string)
	Stats() Stats
}

type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	QueueSize      int
	ReadLimit      int64
}

func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		QueueSize:      16,
		ReadLimit:      64 << 10,
	}
}

type Stats struct {
	Sid      uint64    `json:"sid"`
	Opened   time.Time `json:"opened,omitempty"`
	MsgIn    uint64    `json:"msg_in"`
	MsgOut   uint64    `json:"msg_out"`
	BytesIn  uint64    `json:"bytes_in"`
	BytesOut uint64    `json:"bytes_out"`
}

// conn is the part of a websocket library the session needs.
type conn interface {
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, d []byte) error
	close(code int, reason string) error
	closeStatus(err error) (code int, reason string, ok bool)
	release()
}

type dialFunc func(ctx context.Context, url string, conf *Config) (conn, error)

type sessState int

const (
	fresh sessState = iota
	dialing
	open
	closing
	closed
)

var sidCounter uint64

type wsSession struct {
	mu     sync.Mutex
	state  sessState
	dial   dialFunc
	conf   *Config
	log    log.Logger
	sid    uint64
	url    string
	h      Handler
	wch    chan []byte
	cancel context.CancelFunc

	// set by Close
	local       bool
	closeCode   int
	closeReason string

	opened   atomic.Value
	msgIn    uint64
	msgOut   uint64
	bytesIn  uint64
	bytesOut uint64
}

func newSession(dial dialFunc, backend string, conf *Config) *wsSession {
	s := &wsSession{dial: dial, conf: conf}
	s.sid = atomic.AddUint64(&sidCounter, 1)
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "session").Str("backend", backend).Uint64("sid", s.sid).Value()
	return s
}

func (s *wsSession) Open(url string, h Handler) error {
	s.mu.Lock()
	if s.state != fresh {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.state = dialing
	s.url = url
	s.h = withDefaults(h)
	s.wch = make(chan []byte, s.conf.QueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
	return nil
}

func withDefaults(h Handler) Handler {
	if h.OnOpen == nil {
		h.OnOpen = func() {}
	}
	if h.OnMessage == nil {
		h.OnMessage = func([]byte) {}
	}
	if h.OnClose == nil {
		h.OnClose = func(int, string, bool) {}
	}
	if h.OnError == nil {
		h.OnError = func(error) {}
	}
	return h
}

// Send enqueues d for the writer goroutine. It never waits for the network.
func (s *wsSession) Send(d []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != open {
		return ErrNotOpen
	}
	select {
	case s.wch <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close asks for a graceful shutdown. Frames already queued are written
// before the close handshake. Calling Close more than once is a no-op.
func (s *wsSession) Close(code int, reason string) {
	s.mu.Lock()
	switch s.state {
	case fresh:
		s.state = closed
		s.mu.Unlock()
	case dialing:
		s.markLocal(code, reason)
		s.mu.Unlock()
		s.cancel()
	case open:
		s.markLocal(code, reason)
		close(s.wch)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

func (s *wsSession) markLocal(code int, reason string) {
	s.state = closing
	s.local = true
	s.closeCode = code
	s.closeReason = reason
}

func (s *wsSession) Stats() Stats {
	st := Stats{
		Sid:      s.sid,
		MsgIn:    atomic.LoadUint64(&s.msgIn),
		MsgOut:   atomic.LoadUint64(&s.msgOut),
		BytesIn:  atomic.LoadUint64(&s.bytesIn),
		BytesOut: atomic.LoadUint64(&s.bytesOut),
	}
	if t, ok := s.opened.Load().(time.Time); ok {
		st.Opened = t
	}
	return st
}

func (s *wsSession) run(ctx context.Context) {
	defer s.cancel()
	s.log.Debug().Str("url", s.url).Msg("dialing")
	dctx, dcancel := context.WithTimeout(ctx, s.conf.ConnectTimeout)
	c, err := s.dial(dctx, s.url, s.conf)
	dcancel()

	s.mu.Lock()
	if s.local {
		// closed while dialing
		s.state = closed
		code, reason := s.closeCode, s.closeReason
		s.mu.Unlock()
		if c != nil {
			_ = c.close(code, reason)
			c.release()
		}
		s.log.Debug().Int("code", code).Msg("closed before open")
		s.h.OnClose(code, reason, false)
		return
	}
	if err != nil {
		s.state = closed
		s.mu.Unlock()
		s.log.Error().Err(err).Str("url", s.url).Msg("unable to open session")
		s.h.OnError(&OpenError{URL: s.url, Err: err})
		s.h.OnClose(StatusAbnormalClosure, err.Error(), false)
		return
	}
	s.state = open
	s.mu.Unlock()

	s.opened.Store(time.Now())
	s.log.Info().Str("url", s.url).Msg("session open")
	s.h.OnOpen()
	go s.writeLoop(ctx, c)
	s.readLoop(ctx, c)
}

func (s *wsSession) readLoop(ctx context.Context, c conn) {
	for {
		d, err := c.read(ctx)
		if err != nil {
			s.finish(c, err)
			return
		}
		atomic.AddUint64(&s.msgIn, 1)
		atomic.AddUint64(&s.bytesIn, uint64(len(d)))
		s.log.Trace().Int("len", len(d)).Msg("message in")
		s.h.OnMessage(d)
	}
}

func (s *wsSession) writeLoop(ctx context.Context, c conn) {
	for d := range s.wch {
		wctx, cancel := context.WithTimeout(ctx, s.conf.WriteTimeout)
		err := c.write(wctx, d)
		cancel()
		if err != nil {
			s.log.Error().Err(err).Msg("write failed")
			// unblocks the reader, which reports the close
			_ = c.close(StatusInternalError, "write failed")
			return
		}
		atomic.AddUint64(&s.msgOut, 1)
		atomic.AddUint64(&s.bytesOut, uint64(len(d)))
	}
	s.mu.Lock()
	local, code, reason := s.local, s.closeCode, s.closeReason
	s.mu.Unlock()
	if local {
		s.log.Debug().Int("code", code).Str("reason", reason).Msg("closing")
		if err := c.close(code, reason); err != nil {
			s.log.Debug().Err(err).Msg("close handshake")
		}
	}
}

func (s *wsSession) finish(c conn, err error) {
	s.mu.Lock()
	if s.state == open {
		close(s.wch)
	}
	s.state = closed
	local, code, reason := s.local, s.closeCode, s.closeReason
	s.mu.Unlock()
	s.cancel()
	c.release()

	if local {
		s.log.Info().Int("code", code).Msg("session closed locally")
		s.h.OnClose(code, reason, false)
		return
	}
	if rcode, rreason, ok := c.closeStatus(err); ok {
		s.log.Info().Int("code", rcode).Str("reason", rreason).Msg("session closed by peer")
		s.h.OnClose(rcode, rreason, true)
		return
	}
	s.log.Error().Err(err).Msg("session lost")
	s.h.OnError(err)
	s.h.OnClose(StatusAbnormalClosure, err.Error(), false)
}
