package client

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nuha.dev/gpsuplink/internal/broker"
	"nuha.dev/gpsuplink/internal/uplink/frame"
	"nuha.dev/gpsuplink/internal/uplink/session"
)

type frameLog struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (l *frameLog) add(cid uint64, f *frame.Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func (l *frameLog) count(cmd frame.Command) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.frames {
		if f.Command == cmd {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgainstBroker(t *testing.T) {
	fl := &frameLog{}
	br := broker.NewBroker(&broker.BrokerConfig{
		OnFrame: fl.add,
		Relay:   map[string]string{"/app/location": "/topic/locations"},
	})
	srv := httptest.NewServer(br)
	defer srv.Close()

	dialer, err := session.NewDialer(session.BackendNhooyr, session.DefaultConfig())
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	conf := DefaultConfig()
	conf.Endpoint = "ws://" + strings.TrimPrefix(srv.URL, "http://")
	conf.Retry.Base = 10 * time.Millisecond
	conf.Retry.Cap = 50 * time.Millisecond
	c, err := New(dialer, conf, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	send := func() bool {
		return c.SendFix("dev-1", -6.2, 106.8, 5, 1, 90) == nil
	}
	eventually(t, "ready", send)
	eventually(t, "SEND at broker", func() bool { return fl.count(frame.SEND) >= 1 })
	if fl.count(frame.SUBSCRIBE) != 1 {
		t.Errorf("%d SUBSCRIBE frames", fl.count(frame.SUBSCRIBE))
	}

	br.Kick(websocket.StatusGoingAway, "restart")
	eventually(t, "second CONNECT", func() bool { return fl.count(frame.CONNECT) == 2 })
	eventually(t, "ready again", send)
	if c.Attempts() != 0 {
		t.Errorf("attempts %d after reconnect", c.Attempts())
	}

	c.Shutdown()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	eventually(t, "DISCONNECT at broker", func() bool { return fl.count(frame.DISCONNECT) == 1 })
	if c.Err() != nil {
		t.Errorf("err %v", c.Err())
	}
}
