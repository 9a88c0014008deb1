package sync

import (
	"context"
	"encoding/json"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"ordersync/internal/model"
)

// fakeChannel scripts transport behavior for engine tests.
type fakeChannel struct {
	mu        stdsync.Mutex
	failTimes int // fail this many Connect calls before succeeding
	connects  int
	connected bool
	onMsg     func([]byte)
	onConn    func(bool, error)
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failTimes {
		return errors.New("dial refused")
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.onMsg = nil
	f.onConn = nil
	f.mu.Unlock()
}

func (f *fakeChannel) Send(v any) error { return nil }

func (f *fakeChannel) OnMessage(fn func([]byte)) {
	f.mu.Lock()
	f.onMsg = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnConnectionChange(fn func(bool, error)) {
	f.mu.Lock()
	f.onConn = fn
	f.mu.Unlock()
}

func (f *fakeChannel) push(t *testing.T, v any) {
	t.Helper()
	raw, _ := json.Marshal(v)
	f.mu.Lock()
	fn := f.onMsg
	f.mu.Unlock()
	if fn == nil {
		t.Fatal("no message handler attached")
	}
	fn(raw)
}

func (f *fakeChannel) dropConn(err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onConn
	f.mu.Unlock()
	if fn != nil {
		fn(false, err)
	}
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// recordApplier captures forwarded updates. An optional reject hook lets a
// test make the reconciler turn specific updates away.
type recordApplier struct {
	mu     stdsync.Mutex
	upds   []model.PendingUpdate
	reject func(model.PendingUpdate) error
}

func (a *recordApplier) Apply(ctx context.Context, upd model.PendingUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reject != nil {
		if err := a.reject(upd); err != nil {
			return err
		}
	}
	a.upds = append(a.upds, upd)
	return nil
}

func (a *recordApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.upds)
}

func fastPolicy(maxRetries int) ReconnectPolicy {
	return ReconnectPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxRetries: maxRetries}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func pushMsg(orderID, msgType string, ts time.Time, data map[string]any) model.PushMessage {
	return model.PushMessage{Type: msgType, OrderID: orderID, Data: data, Timestamp: ts.Format(time.RFC3339Nano)}
}

func TestStartConnects(t *testing.T) {
	ch := &fakeChannel{}
	e := NewEngine(ch, fastPolicy(5), &recordApplier{})
	e.Start(context.Background())
	defer e.Stop()

	cs := e.ConnectionState()
	if cs.Status != model.ConnConnected || cs.RetryCount != 0 {
		t.Fatalf("state = %+v", cs)
	}
	if cs.LastSyncTime.IsZero() {
		t.Fatal("lastSyncTime not set on connect")
	}
}

func TestRetryUntilSuccessResetsCount(t *testing.T) {
	ch := &fakeChannel{failTimes: 3}
	e := NewEngine(ch, fastPolicy(5), &recordApplier{})
	e.Start(context.Background())
	defer e.Stop()

	waitFor(t, func() bool { return e.ConnectionState().Status == model.ConnConnected },
		"engine never reconnected")
	cs := e.ConnectionState()
	if cs.RetryCount != 0 {
		t.Fatalf("retryCount = %d after successful connect", cs.RetryCount)
	}
	if got := ch.connectCount(); got != 4 {
		t.Fatalf("connect attempts = %d, want 4", got)
	}
}

func TestRetriesExhaustDegrade(t *testing.T) {
	ch := &fakeChannel{failTimes: 100}
	e := NewEngine(ch, fastPolicy(2), &recordApplier{})
	e.Start(context.Background())
	defer e.Stop()

	waitFor(t, func() bool { return e.ConnectionState().Status == model.ConnDegraded },
		"engine never degraded")
	attempts := ch.connectCount()
	// degraded state must stop the retry loop
	time.Sleep(20 * time.Millisecond)
	if got := ch.connectCount(); got != attempts {
		t.Fatalf("retries continued after degrading: %d -> %d", attempts, got)
	}
	if got := e.ConnectionState().RetryCount; got != 2 {
		t.Fatalf("retryCount = %d, want 2", got)
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	ch := &fakeChannel{}
	e := NewEngine(ch, fastPolicy(5), &recordApplier{})
	e.Start(context.Background())
	defer e.Stop()

	ch.dropConn(errors.New("peer reset"))
	waitFor(t, func() bool {
		return e.ConnectionState().Status == model.ConnConnected && ch.connectCount() == 2
	}, "engine did not reconnect after drop")
	if cs := e.ConnectionState(); cs.RetryCount != 0 {
		t.Fatalf("retryCount = %d after reconnect", cs.RetryCount)
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	ch := &fakeChannel{failTimes: 100}
	e := NewEngine(ch, ReconnectPolicy{Base: 20 * time.Millisecond, Cap: time.Second, MaxRetries: 5}, &recordApplier{})
	e.Start(context.Background())

	attempts := ch.connectCount()
	e.Stop()
	time.Sleep(60 * time.Millisecond)
	if got := ch.connectCount(); got != attempts {
		t.Fatalf("retry fired after Stop: %d -> %d", attempts, got)
	}
	if cs := e.ConnectionState(); cs.Status != model.ConnDisconnected {
		t.Fatalf("status after Stop = %s", cs.Status)
	}
}

func TestMessageForwarding(t *testing.T) {
	ch := &fakeChannel{}
	rec := &recordApplier{}
	e := NewEngine(ch, fastPolicy(5), rec)
	e.Start(context.Background())
	defer e.Stop()

	ts := time.Now()
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts, map[string]any{"status": "confirmed"}))
	if rec.count() != 1 {
		t.Fatalf("forwarded = %d, want 1", rec.count())
	}
	rec.mu.Lock()
	upd := rec.upds[0]
	rec.mu.Unlock()
	if upd.OrderID != "o1" || upd.UpdateType != model.UpdateStatus {
		t.Fatalf("bad update: %+v", upd)
	}
	if upd.ID == "" {
		t.Fatal("update without id")
	}
}

func TestDedupEqualOrEarlierTimestamp(t *testing.T) {
	ch := &fakeChannel{}
	rec := &recordApplier{}
	e := NewEngine(ch, fastPolicy(5), rec)
	e.Start(context.Background())
	defer e.Stop()

	ts := time.Now()
	data := map[string]any{"status": "confirmed"}
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts, data))
	// exact redelivery
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts, data))
	// reordered older message, same key
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts.Add(-time.Second), data))
	if rec.count() != 1 {
		t.Fatalf("forwarded = %d, want 1", rec.count())
	}
	// newer timestamp passes
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts.Add(time.Second), data))
	// other key unaffected
	ch.push(t, pushMsg("o1", model.MsgOrderPaymentVerified, ts, nil))
	ch.push(t, pushMsg("o2", model.MsgOrderStatusUpdate, ts, data))
	if rec.count() != 4 {
		t.Fatalf("forwarded = %d, want 4", rec.count())
	}
}

func TestRejectedUpdateDoesNotAdvanceDedup(t *testing.T) {
	ch := &fakeChannel{}
	rec := &recordApplier{reject: func(upd model.PendingUpdate) error {
		if upd.Payload["status"] == "packed" {
			return errors.New("invalid transition")
		}
		return nil
	}}
	e := NewEngine(ch, fastPolicy(5), rec)
	e.Start(context.Background())
	defer e.Stop()

	ts := time.Now()
	// out-of-order arrival: the rejected packed@T+2s must not shadow the
	// valid confirmed@T+1s that the reconciler would accept
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts.Add(2*time.Second), map[string]any{"status": "packed"}))
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts.Add(time.Second), map[string]any{"status": "confirmed"}))
	if rec.count() != 1 {
		t.Fatalf("applied = %d, want 1", rec.count())
	}
	rec.mu.Lock()
	upd := rec.upds[0]
	rec.mu.Unlock()
	if upd.Payload["status"] != "confirmed" {
		t.Fatalf("applied update = %+v, want confirmed", upd)
	}
	// redelivery of an applied update still dedups
	ch.push(t, pushMsg("o1", model.MsgOrderStatusUpdate, ts.Add(time.Second), map[string]any{"status": "confirmed"}))
	if rec.count() != 1 {
		t.Fatalf("applied = %d after redelivery, want 1", rec.count())
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	ch := &fakeChannel{}
	rec := &recordApplier{}
	e := NewEngine(ch, fastPolicy(5), rec)
	e.Start(context.Background())
	defer e.Stop()

	ch.mu.Lock()
	fn := ch.onMsg
	ch.mu.Unlock()
	fn([]byte("not json"))
	fn([]byte(`{"type":"order_status_update","timestamp":"2024-03-01T10:00:00Z"}`))     // no orderId
	fn([]byte(`{"orderId":"o1","timestamp":"2024-03-01T10:00:00Z"}`))                   // no type
	fn([]byte(`{"type":"mystery","orderId":"o1","timestamp":"2024-03-01T10:00:00Z"}`))  // unknown type
	fn([]byte(`{"type":"order_status_update","orderId":"o1","timestamp":"yesterday"}`)) // bad timestamp
	if rec.count() != 0 {
		t.Fatalf("malformed messages forwarded: %d", rec.count())
	}
}
