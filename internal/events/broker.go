package events

import (
	"sync"

	"ordersync/internal/model"
)

// Broker fans out change events to subscribers by order id. Subscribing to
// the empty id receives events for every order. Delivery is non-blocking:
// a slow subscriber loses events rather than stalling the reconciler.
type Broker interface {
	Subscribe(orderID string) chan model.ChangeEvent
	Unsubscribe(orderID string, ch chan model.ChangeEvent)
	Publish(evt model.ChangeEvent)
}

type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.ChangeEvent]struct{} // orderId ("" = all) -> set of channels
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan model.ChangeEvent]struct{}{}}
}

func (b *MemoryBroker) Subscribe(orderID string) chan model.ChangeEvent {
	ch := make(chan model.ChangeEvent, 16)
	b.mu.Lock()
	if b.subs[orderID] == nil {
		b.subs[orderID] = map[chan model.ChangeEvent]struct{}{}
	}
	b.subs[orderID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) Unsubscribe(orderID string, ch chan model.ChangeEvent) {
	b.mu.Lock()
	if m := b.subs[orderID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, orderID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *MemoryBroker) Publish(evt model.ChangeEvent) {
	b.mu.Lock()
	for ch := range b.subs[evt.OrderID] {
		select {
		case ch <- evt:
		default:
		}
	}
	for ch := range b.subs[""] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
