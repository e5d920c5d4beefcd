package broker

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nuha.dev/gpsuplink/internal/uplink/frame"
)

// Broker is a minimal STOMP-over-websocket peer. It answers CONNECT,
// records subscriptions and relays SEND frames to subscribed topics.
type Broker struct {
	logger zerolog.Logger
	config BrokerConfig
	server *http.Server

	mu    sync.Mutex
	cid   uint64
	conns map[uint64]*brokerConn
}

type BrokerConfig struct {
	Addr      string
	Version   string
	HeartBeat string
	// Relay maps a SEND destination to the topic it is broadcast on.
	Relay map[string]string
	// OnFrame, if set, sees every decoded inbound frame.
	OnFrame func(cid uint64, f *frame.Frame)
}

func NewBroker(config *BrokerConfig) *Broker {
	br := &Broker{}
	br.config = *config
	if br.config.Version == "" {
		br.config.Version = "1.1"
	}
	if br.config.HeartBeat == "" {
		br.config.HeartBeat = "0,0"
	}
	br.logger = log.With().Str("module", "broker").Logger()
	br.conns = make(map[uint64]*brokerConn)
	br.server = &http.Server{
		Addr:           config.Addr,
		Handler:        br,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return br
}

func (br *Broker) Run() error {
	br.logger.Info().Msgf("starting broker on %s", br.config.Addr)
	return br.server.ListenAndServe()
}

func (br *Broker) Shutdown(ctx context.Context) error {
	return br.server.Shutdown(ctx)
}

// Conns returns the number of live connections.
func (br *Broker) Conns() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.conns)
}

// Kick closes every live connection with code.
func (br *Broker) Kick(code websocket.StatusCode, reason string) {
	br.mu.Lock()
	list := make([]*brokerConn, 0, len(br.conns))
	for _, bc := range br.conns {
		list = append(list, bc)
	}
	br.mu.Unlock()
	for _, bc := range list {
		bc.c.Close(code, reason)
	}
}

func (br *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		br.logger.Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	br.mu.Lock()
	br.cid++
	bc := &brokerConn{br: br, c: c, cid: br.cid, subs: make(map[string]string)}
	bc.logger = br.logger.With().Uint64("cid", bc.cid).Logger()
	br.conns[bc.cid] = bc
	br.mu.Unlock()

	bc.handle(r.Context())

	br.mu.Lock()
	delete(br.conns, bc.cid)
	br.mu.Unlock()
}

func (br *Broker) broadcast(topic string, body []byte) {
	br.mu.Lock()
	list := make([]*brokerConn, 0, len(br.conns))
	for _, bc := range br.conns {
		list = append(list, bc)
	}
	br.mu.Unlock()
	for _, bc := range list {
		bc.deliver(topic, body)
	}
}

type brokerConn struct {
	br     *Broker
	c      *websocket.Conn
	cid    uint64
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]string // destination -> subscription id
	seq  uint64
}

func (bc *brokerConn) handle(ctx context.Context) {
	for {
		_, msg, err := bc.c.Read(ctx)
		if err != nil {
			bc.logger.Debug().Err(err).Msg("read ended")
			return
		}
		if frame.IsHeartbeat(msg) {
			continue
		}
		f, err := frame.Decode(msg)
		if err != nil {
			bc.logger.Err(err).Msg("bad frame")
			bc.write(frame.New(frame.ERROR, frame.HdrMessage, "malformed frame"))
			bc.c.Close(websocket.StatusProtocolError, "malformed frame")
			return
		}
		if bc.br.config.OnFrame != nil {
			bc.br.config.OnFrame(bc.cid, f)
		}
		switch f.Command {
		case frame.CONNECT:
			bc.write(frame.New(frame.CONNECTED, "version", bc.br.config.Version, frame.HdrHeartBeat, bc.br.config.HeartBeat))
		case frame.SUBSCRIBE:
			id, _ := f.Get(frame.HdrID)
			dest, _ := f.Get(frame.HdrDestination)
			bc.mu.Lock()
			bc.subs[dest] = id
			bc.mu.Unlock()
			bc.logger.Debug().Str("destination", dest).Str("id", id).Msg("subscribed")
		case frame.SEND:
			dest, _ := f.Get(frame.HdrDestination)
			bc.logger.Info().Str("destination", dest).Bytes("body", f.Body).Msg("send received")
			if topic, ok := bc.br.config.Relay[dest]; ok {
				bc.br.broadcast(topic, f.Body)
			}
		case frame.DISCONNECT:
			bc.c.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (bc *brokerConn) deliver(topic string, body []byte) {
	bc.mu.Lock()
	id, ok := bc.subs[topic]
	bc.seq++
	seq := bc.seq
	bc.mu.Unlock()
	if !ok {
		return
	}
	m := frame.New(frame.MESSAGE, "subscription", id, frame.HdrDestination, topic, "message-id", strconv.FormatUint(bc.cid, 10)+"-"+strconv.FormatUint(seq, 10))
	m.Body = body
	bc.write(m)
}

func (bc *brokerConn) write(f *frame.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bc.c.Write(ctx, websocket.MessageText, frame.Encode(f)); err != nil {
		bc.logger.Err(err).Msg("error while writing to connection")
	}
}
