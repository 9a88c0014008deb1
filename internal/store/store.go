package store

import (
	"context"
	"errors"

	"ordersync/internal/model"
)

// Store is the persistence interface behind the reconciler. The reconciler
// serializes all writes, so implementations only need to be safe for
// concurrent reads against a single writer.
type Store interface {
	// Orders
	GetOrder(ctx context.Context, id string) (model.Order, error)
	PutOrder(ctx context.Context, o model.Order) error
	ListOrders(ctx context.Context, status, cursor string, limit int) (items []model.Order, nextCursor string, err error)

	// Fulfillment
	GetFulfillment(ctx context.Context, orderID, vendorID string) (model.FulfillmentRecord, error)
	PutFulfillment(ctx context.Context, rec model.FulfillmentRecord) error

	// Health
	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")
