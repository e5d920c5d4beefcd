package client

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/gpsuplink/internal/uplink/frame"
	"nuha.dev/gpsuplink/internal/uplink/sample"
	"nuha.dev/gpsuplink/internal/uplink/session"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	// Reconnecting is the wait between an unclean close and the next attempt.
	Reconnecting
	Disconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrAlreadyActive         = errors.New("uplink already active")
	ErrClosed                = errors.New("uplink closed")
	ErrSendWhileDisconnected = errors.New("sample dropped: uplink not connected")
	ErrHandshakePending      = errors.New("sample dropped: broker handshake pending")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
)

// CleanCloseCode is the close code used by Shutdown. A close carrying it is
// never retried.
const CleanCloseCode = session.StatusNormalClosure

type Dialer interface {
	NewSession() session.Session
}

type Config struct {
	Endpoint             string      `mapstructure:"endpoint" validate:"required,url"`
	AcceptVersion        string      `mapstructure:"accept_version" validate:"required"`
	HeartBeat            string      `mapstructure:"heartbeat" validate:"required"`
	SubscribeID          string      `mapstructure:"subscribe_id" validate:"required"`
	SubscribeDestination string      `mapstructure:"subscribe_destination" validate:"required"`
	SendDestination      string      `mapstructure:"send_destination" validate:"required"`
	ContentType          string      `mapstructure:"content_type" validate:"required"`
	Retry                RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	Base        time.Duration `mapstructure:"base" validate:"gt=0"`
	Cap         time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0"`
}

func DefaultConfig() *Config {
	return &Config{
		AcceptVersion:        "1.1,1.0",
		HeartBeat:            "10000,10000",
		SubscribeID:          "sub-0",
		SubscribeDestination: "/topic/locations",
		SendDestination:      "/app/location",
		ContentType:          "application/json",
		Retry: RetryConfig{
			Base:        5 * time.Second,
			Cap:         30 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// Backoff is the delay before retry number attempt (1-based): linear in
// base, never above cap.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt)
	if d > cap {
		return cap
	}
	return d
}

type Hooks struct {
	// OnDrop is called for every sample that did not reach the session.
	OnDrop func(s sample.Sample, err error)
	// OnExhausted is called once when the client gives up reconnecting.
	OnExhausted func(err error)
}

type stopper interface {
	Stop() bool
}

type stompPhase int

const (
	phaseNone stompPhase = iota
	phaseSubscribing
	phaseReady
)

// Client owns one uplink connection and its reconnection policy. All
// state is guarded by mu; session calls are made after mu is released.
type Client struct {
	mu       sync.Mutex
	config   *Config
	dialer   Dialer
	hooks    Hooks
	log      log.Logger
	state    State
	attempts int
	gen      uint64
	sess     session.Session
	last     session.Session
	phase    stompPhase
	timer    stopper
	err      error
	lastErr  error
	done     chan struct{}

	afterFunc func(d time.Duration, f func()) stopper

	sent    uint64
	dropped uint64
}

var validate = validator.New()

func New(dialer Dialer, config *Config, hooks Hooks) (*Client, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("uplink config: %w", err)
	}
	c := &Client{dialer: dialer, config: config, hooks: hooks}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "uplink").Str("endpoint", config.Endpoint).Value()
	c.done = make(chan struct{})
	c.afterFunc = func(d time.Duration, f func()) stopper {
		return time.AfterFunc(d, f)
	}
	return c, nil
}

// Start opens the first session. It is valid only once, from Idle.
func (c *Client) Start() error {
	c.mu.Lock()
	switch c.state {
	case Idle:
	case Disconnecting, Closed:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	s := c.connectLocked()
	c.mu.Unlock()
	c.open(s)
	return nil
}

func (c *Client) connectLocked() session.Session {
	c.state = Connecting
	c.gen++
	s := c.dialer.NewSession()
	c.sess = s
	c.last = s
	c.phase = phaseNone
	return s
}

func (c *Client) open(s session.Session) {
	c.log.Info().Msg("connecting")
	err := s.Open(c.config.Endpoint, session.Handler{
		OnOpen:    func() { c.onOpen(s) },
		OnMessage: func(d []byte) { c.onMessage(s, d) },
		OnClose:   func(code int, reason string, remote bool) { c.onClose(s, code, reason, remote) },
		OnError:   func(err error) { c.onError(s, err) },
	})
	if err != nil {
		// Shutdown may have closed s before Open ran; no callback follows.
		c.log.Error().Err(err).Msg("unable to open session")
		c.onClose(s, session.StatusAbnormalClosure, err.Error(), false)
	}
}

func (c *Client) onOpen(s session.Session) {
	c.mu.Lock()
	if c.sess != s || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	c.attempts = 0
	c.mu.Unlock()

	c.log.Info().Msg("connected")
	c.sendFrame(s, frame.New(frame.CONNECT,
		frame.HdrAcceptVersion, c.config.AcceptVersion,
		frame.HdrHeartBeat, c.config.HeartBeat))
}

func (c *Client) onMessage(s session.Session, d []byte) {
	if frame.IsHeartbeat(d) {
		c.log.Trace().Msg("heart-beat")
		return
	}
	f, err := frame.Decode(d)
	if err != nil {
		c.log.Warn().Err(err).Int("len", len(d)).Msg("discarding frame")
		return
	}
	switch f.Command {
	case frame.CONNECTED:
		c.mu.Lock()
		if c.sess != s || c.state != Connected || c.phase != phaseNone {
			c.mu.Unlock()
			return
		}
		c.phase = phaseSubscribing
		c.mu.Unlock()

		version, _ := f.Get("version")
		c.log.Info().Str("version", version).Msg("broker handshake complete")
		c.sendFrame(s, frame.New(frame.SUBSCRIBE,
			frame.HdrID, c.config.SubscribeID,
			frame.HdrDestination, c.config.SubscribeDestination))

		c.mu.Lock()
		if c.sess == s && c.phase == phaseSubscribing {
			c.phase = phaseReady
		}
		c.mu.Unlock()
	case frame.ERROR:
		msg, _ := f.Get(frame.HdrMessage)
		c.log.Warn().Str("message", msg).Bytes("body", f.Body).Msg("broker error frame")
	case frame.MESSAGE:
		dest, _ := f.Get(frame.HdrDestination)
		c.log.Trace().Str("destination", dest).Int("len", len(f.Body)).Msg("message")
	default:
		c.log.Debug().Str("command", string(f.Command)).Msg("ignoring frame")
	}
}

func (c *Client) onError(s session.Session, err error) {
	c.mu.Lock()
	if c.sess == s {
		c.lastErr = err
	}
	c.mu.Unlock()
	var oe *session.OpenError
	if errors.As(err, &oe) {
		c.log.Error().Err(err).Msg("transport open failure")
		return
	}
	c.log.Error().Err(err).Msg("transport error")
}

func (c *Client) onClose(s session.Session, code int, reason string, remote bool) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.phase = phaseNone
	if c.state == Disconnecting || code == CleanCloseCode {
		c.closeLocked(nil)
		c.mu.Unlock()
		c.log.Info().Int("code", code).Str("reason", reason).Bool("remote", remote).Msg("closed")
		return
	}
	if c.attempts < c.config.Retry.MaxAttempts {
		c.attempts++
		attempt := c.attempts
		delay := Backoff(c.config.Retry.Base, c.config.Retry.Cap, attempt)
		c.state = Reconnecting
		c.gen++
		gen := c.gen
		c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
		c.mu.Unlock()
		c.log.Info().Int("code", code).Str("reason", reason).Bool("remote", remote).
			Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, scheduling reconnect")
		return
	}
	c.closeLocked(ErrReconnectExhausted)
	c.mu.Unlock()
	c.log.Error().Int("attempts", c.config.Retry.MaxAttempts).Msg("giving up reconnecting")
	if c.hooks.OnExhausted != nil {
		c.hooks.OnExhausted(ErrReconnectExhausted)
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	// superseded by Shutdown or a later schedule
	if gen != c.gen || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	attempt := c.attempts
	s := c.connectLocked()
	c.mu.Unlock()
	c.log.Debug().Int("attempt", attempt).Msg("reconnecting")
	c.open(s)
}

func (c *Client) closeLocked(err error) {
	c.state = Closed
	c.err = err
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	close(c.done)
}

// Send hands s to the session if the uplink is ready. Otherwise s is
// dropped, never queued, and the returned error says why. An Idle client
// starts connecting.
func (c *Client) Send(s sample.Sample) error {
	body, err := s.Serialize()
	if err != nil {
		return c.drop(s, fmt.Errorf("sample dropped: %w", err))
	}
	c.mu.Lock()
	sess := c.sess
	switch {
	case c.state == Connected && c.phase == phaseReady:
		c.mu.Unlock()
	case c.state == Connected:
		c.mu.Unlock()
		return c.drop(s, ErrHandshakePending)
	case c.state == Idle:
		ns := c.connectLocked()
		c.mu.Unlock()
		c.open(ns)
		return c.drop(s, ErrSendWhileDisconnected)
	case c.state == Reconnecting:
		// the pending backoff timer is the reconnect
		c.mu.Unlock()
		return c.drop(s, ErrSendWhileDisconnected)
	default:
		c.mu.Unlock()
		return c.drop(s, ErrSendWhileDisconnected)
	}

	f := frame.New(frame.SEND,
		frame.HdrDestination, c.config.SendDestination,
		frame.HdrContentType, c.config.ContentType)
	f.Body = body
	if err := sess.Send(frame.Encode(f)); err != nil {
		if errors.Is(err, session.ErrNotOpen) {
			return c.drop(s, ErrSendWhileDisconnected)
		}
		return c.drop(s, fmt.Errorf("sample dropped: %w", err))
	}
	atomic.AddUint64(&c.sent, 1)
	c.log.Trace().EmbedObject(s).Msg("sample sent")
	return nil
}

// SendFix builds a sample stamped with the current time and sends it.
func (c *Client) SendFix(subjectID string, lat, lon, accuracy, speed, bearing float64) error {
	s, err := sample.New(subjectID, lat, lon, accuracy, speed, bearing)
	if err != nil {
		return err
	}
	return c.Send(s)
}

func (c *Client) drop(s sample.Sample, err error) error {
	atomic.AddUint64(&c.dropped, 1)
	c.log.Warn().Err(err).EmbedObject(s).Msg("sample dropped")
	if c.hooks.OnDrop != nil {
		c.hooks.OnDrop(s, err)
	}
	return err
}

// Shutdown ends the client. A connected client says DISCONNECT first.
// Done is closed once the session has closed.
func (c *Client) Shutdown() {
	c.mu.Lock()
	switch c.state {
	case Disconnecting, Closed:
		c.mu.Unlock()
		return
	case Idle, Reconnecting:
		c.closeLocked(nil)
		c.mu.Unlock()
		c.log.Info().Msg("closed")
		return
	}
	s := c.sess
	wasConnected := c.state == Connected
	c.state = Disconnecting
	c.gen++
	c.mu.Unlock()

	c.log.Info().Msg("disconnecting")
	if wasConnected {
		c.sendFrame(s, frame.New(frame.DISCONNECT))
	}
	s.Close(CleanCloseCode, "shutdown")
}

func (c *Client) sendFrame(s session.Session, f *frame.Frame) {
	if err := s.Send(frame.Encode(f)); err != nil {
		c.log.Error().Err(err).Str("command", string(f.Command)).Msg("unable to send frame")
		return
	}
	c.log.Trace().Str("command", string(f.Command)).Msg("frame sent")
}

// Done is closed when the client reaches Closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err is ErrReconnectExhausted if the client gave up, nil otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

type Status struct {
	State     string         `json:"state"`
	Attempts  int            `json:"reconnect_attempts"`
	Endpoint  string         `json:"endpoint"`
	Ready     bool           `json:"ready"`
	Sent      uint64         `json:"sent"`
	Dropped   uint64         `json:"dropped"`
	LastError string         `json:"last_error,omitempty"`
	Session   *session.Stats `json:"session,omitempty"`
}

func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		State:    c.state.String(),
		Attempts: c.attempts,
		Endpoint: c.config.Endpoint,
		Ready:    c.state == Connected && c.phase == phaseReady,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	last := c.last
	c.mu.Unlock()
	if last != nil {
		ss := last.Stats()
		st.Session = &ss
	}
	st.Sent = atomic.LoadUint64(&c.sent)
	st.Dropped = atomic.LoadUint64(&c.dropped)
	return st
}
