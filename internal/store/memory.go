package store

import (
	"context"
	"sort"
	"sync"

	"ordersync/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu     sync.Mutex
	orders map[string]model.Order             // id -> order
	ids    []string                           // known ids, sorted at list time
	ful    map[string]model.FulfillmentRecord // orderId+"/"+vendorId -> record
}

func NewMemory() *Memory {
	return &Memory{
		orders: map[string]model.Order{},
		ful:    map[string]model.FulfillmentRecord{},
	}
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) PutOrder(ctx context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		m.ids = append(m.ids, o.ID)
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

// ListOrders pages by id, same keyset rule as the Postgres store: rows with
// id greater than the cursor, ordered by id, next cursor only on a full page.
func (m *Memory) ListOrders(ctx context.Context, status, cursor string, limit int) ([]model.Order, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	ids := append([]string(nil), m.ids...)
	sort.Strings(ids)
	out := []model.Order{}
	for _, id := range ids {
		if cursor != "" && id <= cursor {
			continue
		}
		o := m.orders[id]
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o.Clone())
		if len(out) == limit {
			break
		}
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) GetFulfillment(ctx context.Context, orderID, vendorID string) (model.FulfillmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ful[orderID+"/"+vendorID]
	if !ok {
		return model.FulfillmentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) PutFulfillment(ctx context.Context, rec model.FulfillmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ful[rec.OrderID+"/"+rec.VendorID] = rec
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
