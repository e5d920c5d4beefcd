package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"nhooyr.io/websocket"
)

const (
	BackendNhooyr  = "nhooyr"
	BackendGorilla = "gorilla"
)

// Dialer makes fresh sessions for one websocket backend.
type Dialer struct {
	backend string
	dial    dialFunc
	conf    *Config
}

func NewDialer(backend string, conf *Config) (*Dialer, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	d := &Dialer{backend: backend, conf: conf}
	switch backend {
	case BackendNhooyr, "":
		d.backend = BackendNhooyr
		d.dial = dialNhooyr
	case BackendGorilla:
		d.dial = dialGorilla
	default:
		return nil, fmt.Errorf("unknown websocket backend %q", backend)
	}
	return d, nil
}

func (d *Dialer) NewSession() Session {
	return newSession(d.dial, d.backend, d.conf)
}

func (d *Dialer) Backend() string {
	return d.backend
}

type nhooyrConn struct {
	c *websocket.Conn
}

func dialNhooyr(ctx context.Context, url string, conf *Config) (conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(conf.ReadLimit)
	return &nhooyrConn{c: c}, nil
}

func (n *nhooyrConn) read(ctx context.Context) ([]byte, error) {
	_, d, err := n.c.Read(ctx)
	return d, err
}

func (n *nhooyrConn) write(ctx context.Context, d []byte) error {
	return n.c.Write(ctx, websocket.MessageText, d)
}

func (n *nhooyrConn) close(code int, reason string) error {
	return n.c.Close(websocket.StatusCode(code), reason)
}

func (n *nhooyrConn) closeStatus(err error) (int, string, bool) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason, true
	}
	return 0, "", false
}

// nhooyr releases the underlying connection itself once Read fails.
func (n *nhooyrConn) release() {}

type gorillaConn struct {
	c    *gorilla.Conn
	wmu  sync.Mutex
	once sync.Once
}

func dialGorilla(ctx context.Context, url string, conf *Config) (conn, error) {
	dialer := gorilla.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: conf.ConnectTimeout,
	}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(conf.ReadLimit)
	return &gorillaConn{c: c}, nil
}

func (g *gorillaConn) read(ctx context.Context) ([]byte, error) {
	_, d, err := g.c.ReadMessage()
	return d, err
}

func (g *gorillaConn) write(ctx context.Context, d []byte) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = g.c.SetWriteDeadline(dl)
	}
	return g.c.WriteMessage(gorilla.TextMessage, d)
}

// close sends the close frame and bounds the wait for the peer's reply.
func (g *gorillaConn) close(code int, reason string) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	err := g.c.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = g.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return err
}

func (g *gorillaConn) closeStatus(err error) (int, string, bool) {
	var ce *gorilla.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (g *gorillaConn) release() {
	g.once.Do(func() { g.c.Close() })
}
