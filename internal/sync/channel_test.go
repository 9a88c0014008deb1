package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsTestServer struct {
	srv      *httptest.Server
	mu       stdsync.Mutex
	conns    []*websocket.Conn
	upgrades int
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{}
	up := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.upgrades++
		s.mu.Unlock()
		// keep reading so control frames are processed
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsTestServer) send(t *testing.T, v any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no server-side connection")
	}
	if err := s.conns[len(s.conns)-1].WriteJSON(v); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *wsTestServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *wsTestServer) upgradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

func TestWSChannelConnectAndReceive(t *testing.T) {
	srv := newWSTestServer(t)
	ch := NewWSChannel(srv.url())

	got := make(chan []byte, 1)
	ch.OnMessage(func(raw []byte) { got <- raw })
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	srv.send(t, map[string]any{"type": "order_created", "orderId": "o1"})
	select {
	case raw := <-got:
		if !strings.Contains(string(raw), "o1") {
			t.Fatalf("unexpected payload: %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestWSChannelConnectIdempotent(t *testing.T) {
	srv := newWSTestServer(t)
	ch := NewWSChannel(srv.url())
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should be a no-op, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.upgradeCount(); n != 1 {
		t.Fatalf("upgrades = %d, want 1", n)
	}
}

func TestWSChannelConnectFailure(t *testing.T) {
	ch := NewWSChannel("ws://127.0.0.1:1/ws")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err == nil {
		t.Fatal("connect to dead endpoint should fail")
	}
	// failed connect leaves the channel reusable
	if err := ch.Connect(ctx); err == nil {
		t.Fatal("second connect should also fail")
	}
}

func TestWSChannelConnectionChangeOnServerClose(t *testing.T) {
	srv := newWSTestServer(t)
	ch := NewWSChannel(srv.url())

	drops := make(chan error, 1)
	ch.OnConnectionChange(func(connected bool, err error) {
		if !connected {
			drops <- err
		}
	})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	srv.closeConns()
	select {
	case err := <-drops:
		if err == nil {
			t.Fatal("drop without error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection change never fired")
	}
}

func TestWSChannelDisconnectDetachesListeners(t *testing.T) {
	srv := newWSTestServer(t)
	ch := NewWSChannel(srv.url())

	events := make(chan string, 8)
	ch.OnMessage(func([]byte) { events <- "message" })
	ch.OnConnectionChange(func(connected bool, _ error) {
		if connected {
			events <- "up"
		} else {
			events <- "down"
		}
	})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case e := <-events:
		if e != "up" {
			t.Fatalf("first event %q", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no connect notification")
	}

	ch.Disconnect()
	// the closing of the torn-down conn must not fire handlers
	srv.closeConns()
	select {
	case e := <-events:
		t.Fatalf("handler fired after Disconnect: %q", e)
	case <-time.After(100 * time.Millisecond):
	}
}
