package sync

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"ordersync/internal/metrics"
	"ordersync/internal/model"
)

// Fetcher is the backend order API as the poller sees it.
type Fetcher interface {
	FetchAllOrders(ctx context.Context, status string) ([]model.Order, error)
}

// SnapshotApplier is the reconciler surface the poller feeds.
type SnapshotApplier interface {
	ApplySnapshot(ctx context.Context, o model.Order) error
}

// Poller periodically fetches full order snapshots and feeds them to the
// reconciler. It runs continuously as a consistency backstop, not only when
// the push stream is down. A tick that lands while a fetch is in flight is
// skipped; results arriving after Stop are discarded.
type Poller struct {
	Interval time.Duration
	fetch    Fetcher
	rec      SnapshotApplier

	stop     chan struct{}
	stopOnce sync.Once
	inflight atomic.Bool
	stopped  atomic.Bool
}

func NewPoller(fetch Fetcher, rec SnapshotApplier, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{Interval: interval, fetch: fetch, rec: rec, stop: make(chan struct{})}
}

func (p *Poller) Start() {
	go func() {
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()
}

// Stop cancels the timer. An in-flight fetch is allowed to finish but its
// result is not applied.
func (p *Poller) Stop() {
	p.stopped.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) tick() {
	if !p.inflight.CompareAndSwap(false, true) {
		metrics.PollFetches.WithLabelValues("skipped").Inc()
		return
	}
	go func() {
		defer p.inflight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orders, err := p.fetch.FetchAllOrders(ctx, "")
		if err != nil {
			metrics.PollFetches.WithLabelValues("error").Inc()
			log.Printf("poll: snapshot fetch failed: %v", err)
			return
		}
		if p.stopped.Load() {
			return
		}
		metrics.PollFetches.WithLabelValues("success").Inc()
		for _, o := range orders {
			if err := p.rec.ApplySnapshot(ctx, o); err != nil {
				log.Printf("poll: snapshot for order %s rejected: %v", o.ID, err)
			}
		}
	}()
}
