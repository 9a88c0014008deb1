package events

import (
	"testing"
	"time"

	"ordersync/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	ch := b.Subscribe("o1")

	evt := model.ChangeEvent{OrderID: "o1", UpdateType: model.UpdateStatus, Timestamp: time.Now()}
	b.Publish(evt)

	select {
	case got := <-ch:
		if got.OrderID != "o1" || got.UpdateType != model.UpdateStatus {
			t.Fatalf("bad event: %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe("o1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		// acceptable if already drained and closed
	}
}

func TestBrokerWildcardSubscriber(t *testing.T) {
	b := NewMemoryBroker()
	all := b.Subscribe("")
	defer b.Unsubscribe("", all)

	b.Publish(model.ChangeEvent{OrderID: "o7", UpdateType: model.UpdatePayment, Timestamp: time.Now()})
	select {
	case got := <-all:
		if got.OrderID != "o7" {
			t.Fatalf("got order %s", got.OrderID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("wildcard subscriber missed event")
	}
}

func TestRedisBrokerUnsubscribeReleasesSubscription(t *testing.T) {
	// no live server needed: Subscribe is lazy, and Close on the PubSub
	// closes its message channel regardless of connection state
	b, err := NewRedisBroker("redis://127.0.0.1:1/0")
	if err != nil {
		t.Fatalf("NewRedisBroker: %v", err)
	}
	ch := b.Subscribe("o1")
	b.mu.Lock()
	tracked := len(b.subs)
	b.mu.Unlock()
	if tracked != 1 {
		t.Fatalf("tracked subscriptions = %d, want 1", tracked)
	}

	b.Unsubscribe("o1", ch)
	b.mu.Lock()
	tracked = len(b.subs)
	b.mu.Unlock()
	if tracked != 0 {
		t.Fatalf("subscription still tracked after unsubscribe: %d", tracked)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received event on unsubscribed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after unsubscribe")
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewMemoryBroker()
	ch := b.Subscribe("o1")
	defer b.Unsubscribe("o1", ch)

	// overflow the buffer; Publish must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(model.ChangeEvent{OrderID: "o1", Timestamp: time.Now()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
