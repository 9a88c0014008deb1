package sync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// UpdateChannel abstracts the push transport. The engine only ever holds one
// logical connection; Connect while connected or connecting is a no-op.
// Disconnect detaches both handlers before closing, so no callback fires
// after it returns.
type UpdateChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(v any) error
	OnMessage(fn func(raw []byte))
	OnConnectionChange(fn func(connected bool, err error))
}

// WSChannel is the websocket implementation of UpdateChannel.
type WSChannel struct {
	URL    string
	Header http.Header

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	gen        int // bumped on every connect/disconnect; stale read loops check it
	onMsg      func([]byte)
	onConn     func(bool, error)
	wmu        sync.Mutex
}

func NewWSChannel(url string) *WSChannel {
	return &WSChannel{URL: url}
}

func (c *WSChannel) OnMessage(fn func(raw []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *WSChannel) OnConnectionChange(fn func(connected bool, err error)) {
	c.mu.Lock()
	c.onConn = fn
	c.mu.Unlock()
}

func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.URL, c.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	notify := c.onConn
	c.mu.Unlock()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	go c.readLoop(conn, gen)
	go c.keepalive(conn, gen)

	if notify != nil {
		notify(true, nil)
	}
	return nil
}

func (c *WSChannel) readLoop(conn *websocket.Conn, gen int) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.mu.Lock()
		fn := c.onMsg
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		if fn != nil {
			fn(data)
		}
	}
	c.mu.Lock()
	if c.gen != gen {
		// Disconnect already tore this connection down
		c.mu.Unlock()
		return
	}
	c.conn = nil
	notify := c.onConn
	c.mu.Unlock()
	_ = conn.Close()
	if notify != nil {
		notify(false, readErr)
	}
}

func (c *WSChannel) keepalive(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}
		c.wmu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.wmu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *WSChannel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(v)
}

// Disconnect closes the connection and detaches all listeners. Safe to call
// repeatedly and while disconnected.
func (c *WSChannel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.onMsg = nil
	c.onConn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
