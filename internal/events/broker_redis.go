package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"ordersync/internal/model"
)

// RedisBroker implements Broker over Redis Pub/Sub so change events reach
// subscribers on other daemon instances.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan model.ChangeEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{
		rdb:  redis.NewClient(opt),
		subs: map[chan model.ChangeEvent]*redis.PubSub{},
	}, nil
}

func (b *RedisBroker) Subscribe(orderID string) chan model.ChangeEvent {
	ch := make(chan model.ChangeEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(orderID))
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt model.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying Pub/Sub subscription. That ends the
// reader goroutine's range over ps.Channel(), which in turn closes ch.
func (b *RedisBroker) Unsubscribe(orderID string, ch chan model.ChangeEvent) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(evt model.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, chanName(evt.OrderID), data).Err()
	_ = b.rdb.Publish(ctx, chanName(""), data).Err()
}

func chanName(orderID string) string {
	if orderID == "" {
		return "orders:all"
	}
	return "order:" + orderID
}
