package sync

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ordersync/internal/metrics"
	"ordersync/internal/model"
)

// Applier receives validated updates. Satisfied by reconcile.Reconciler.
type Applier interface {
	Apply(ctx context.Context, upd model.PendingUpdate) error
}

// Engine owns one logical connection to the backend's order-update stream.
// It is the only writer of its ConnectionState. Incoming messages are parsed,
// validated and deduplicated before being handed to the Applier; transport
// failures are retried per ReconnectPolicy until retries exhaust, at which
// point the engine reports a degraded state and the poll fallback carries on
// alone.
type Engine struct {
	ch     UpdateChannel
	policy ReconnectPolicy
	rec    Applier

	mu      sync.Mutex
	conn    model.ConnectionState
	seen    map[string]time.Time // orderId|updateType -> newest processed timestamp
	retry   *time.Timer
	stopped bool

	// throttles log output for malformed/rejected messages so a
	// misbehaving backend cannot flood the log
	logLimit *rate.Limiter
}

func NewEngine(ch UpdateChannel, policy ReconnectPolicy, rec Applier) *Engine {
	return &Engine{
		ch:       ch,
		policy:   policy,
		rec:      rec,
		conn:     model.ConnectionState{Status: model.ConnDisconnected},
		seen:     map[string]time.Time{},
		logLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Start attaches handlers and performs the initial connect. Failures are
// retried in the background; Start itself returns once the first attempt
// resolves either way.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.stopped = false
	e.conn.Status = model.ConnConnecting
	e.mu.Unlock()
	e.ch.OnMessage(e.handleMessage)
	e.ch.OnConnectionChange(e.handleConnChange)
	e.connect(ctx)
}

// Stop cancels any scheduled reconnect and detaches transport listeners
// before returning, so no reconnect or message callback fires afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.conn.Status = model.ConnDisconnected
	e.mu.Unlock()
	e.ch.Disconnect()
}

// ConnectionState returns a snapshot of the engine's transport state.
func (e *Engine) ConnectionState() model.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Engine) connect(ctx context.Context) {
	err := e.ch.Connect(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if err == nil {
		e.conn.Status = model.ConnConnected
		e.conn.RetryCount = 0
		e.conn.LastError = ""
		e.conn.LastSyncTime = time.Now()
		metrics.Reconnects.WithLabelValues("success").Inc()
		return
	}
	metrics.Reconnects.WithLabelValues("failure").Inc()
	e.failLocked(err)
}

// failLocked records a transport failure and schedules the next attempt, or
// degrades once retries exhaust. Caller holds e.mu.
func (e *Engine) failLocked(err error) {
	e.conn.LastError = err.Error()
	attempt := e.conn.RetryCount
	e.conn.RetryCount++
	if !e.policy.ShouldRetry(e.conn.RetryCount) {
		e.conn.Status = model.ConnDegraded
		log.Printf("sync: retries exhausted after %d attempts, degraded: %v", e.conn.RetryCount, err)
		return
	}
	e.conn.Status = model.ConnError
	delay := e.policy.NextDelay(attempt)
	log.Printf("sync: connection failed (attempt %d), retrying in %v: %v", e.conn.RetryCount, delay, err)
	if e.retry != nil {
		e.retry.Stop()
	}
	e.retry = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		e.retry = nil
		e.conn.Status = model.ConnConnecting
		e.mu.Unlock()
		e.connect(context.Background())
	})
}

func (e *Engine) handleConnChange(connected bool, err error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if connected {
		e.conn.Status = model.ConnConnected
		e.conn.RetryCount = 0
		e.conn.LastError = ""
		e.conn.LastSyncTime = time.Now()
		e.mu.Unlock()
		return
	}
	if err == nil {
		err = context.Canceled
	}
	e.failLocked(err)
	e.mu.Unlock()
}

func (e *Engine) handleMessage(raw []byte) {
	var msg model.PushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.dropMalformed("unparseable payload: %v", err)
		return
	}
	if msg.OrderID == "" || msg.Type == "" {
		e.dropMalformed("message missing orderId or type: %s", string(raw))
		return
	}
	ut := updateTypeFor(msg.Type)
	if ut == "" {
		e.dropMalformed("unknown message type %q", msg.Type)
		return
	}
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		e.dropMalformed("bad timestamp %q: %v", msg.Timestamp, err)
		return
	}

	key := msg.OrderID + "|" + ut
	e.mu.Lock()
	if prev, ok := e.seen[key]; ok && !ts.After(prev) {
		e.mu.Unlock()
		metrics.UpdatesDropped.WithLabelValues("duplicate").Inc()
		return
	}
	e.conn.LastSyncTime = time.Now()
	e.mu.Unlock()

	upd := model.PendingUpdate{
		ID:         uuid.New().String(),
		OrderID:    msg.OrderID,
		UpdateType: ut,
		Payload:    msg.Data,
		Timestamp:  ts,
	}
	if err := e.rec.Apply(context.Background(), upd); err != nil {
		if e.logLimit.Allow() {
			log.Printf("sync: update for order %s rejected: %v", msg.OrderID, err)
		}
		return
	}

	// The watermark only advances for updates the reconciler accepted. A
	// rejected update must not shadow a valid earlier-timestamped one that
	// happens to arrive after it.
	e.mu.Lock()
	if prev, ok := e.seen[key]; !ok || ts.After(prev) {
		e.seen[key] = ts
	}
	e.mu.Unlock()
}

func (e *Engine) dropMalformed(format string, args ...any) {
	metrics.UpdatesDropped.WithLabelValues("malformed").Inc()
	if e.logLimit.Allow() {
		log.Printf("sync: dropped message: "+format, args...)
	}
}

func updateTypeFor(msgType string) string {
	switch msgType {
	case model.MsgOrderStatusUpdate:
		return model.UpdateStatus
	case model.MsgOrderPaymentVerified:
		return model.UpdatePayment
	case model.MsgOrderDeliveryUpdate:
		return model.UpdateDelivery
	case model.MsgOrderCreated:
		return model.UpdateNewOrder
	}
	return ""
}
