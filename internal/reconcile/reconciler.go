package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ordersync/internal/events"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
	"ordersync/internal/state"
	"ordersync/internal/store"
)

// Reconciler is the single writer of authoritative order state. Updates from
// the push stream and snapshots from the poll fallback both land here and
// are serialized under one mutex; stale input is discarded by timestamp so
// arrival order does not matter. Every observable change emits exactly one
// ChangeEvent on the broker.
type Reconciler struct {
	mu      sync.Mutex
	store   store.Store
	broker  events.Broker
	pending map[string]model.PendingUpdate // orderId|updateType, parked until the order is known
}

func New(s store.Store, b events.Broker) *Reconciler {
	return &Reconciler{store: s, broker: b, pending: map[string]model.PendingUpdate{}}
}

// Apply merges one validated update into order state. Stale updates are
// silently discarded; illegal status transitions are discarded and reported
// back to the caller. An update for an order not yet known (other than
// new_order) is parked and replayed once the order appears.
func (r *Reconciler) Apply(ctx context.Context, upd model.PendingUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(ctx, upd)
}

func (r *Reconciler) applyLocked(ctx context.Context, upd model.PendingUpdate) error {
	o, err := r.store.GetOrder(ctx, upd.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		if upd.UpdateType == model.UpdateNewOrder {
			return r.createLocked(ctx, upd)
		}
		r.parkLocked(upd)
		return nil
	}
	if err != nil {
		return err
	}

	if !upd.Timestamp.After(o.LastUpdated) {
		metrics.UpdatesDropped.WithLabelValues("stale").Inc()
		return nil
	}

	switch upd.UpdateType {
	case model.UpdateStatus:
		next, _ := upd.Payload["status"].(string)
		note, _ := upd.Payload["note"].(string)
		updated, err := state.ApplyTransition(o, next, note, upd.Timestamp)
		if err != nil {
			metrics.UpdatesDropped.WithLabelValues("invalid_transition").Inc()
			return err
		}
		o = updated
	case model.UpdatePayment:
		o = o.Clone()
		mergeString(upd.Payload, "paymentStatus", &o.PaymentStatus)
		mergeString(upd.Payload, "verificationStatus", &o.VerificationStatus)
		mergeString(upd.Payload, "paymentMethod", &o.PaymentMethod)
		mergeString(upd.Payload, "transactionId", &o.TransactionID)
		o.LastUpdated = upd.Timestamp
	case model.UpdateDelivery:
		o = o.Clone()
		if o.Delivery == nil {
			o.Delivery = &model.DeliveryInfo{}
		}
		mergeString(upd.Payload, "status", &o.Delivery.Status)
		mergeString(upd.Payload, "carrier", &o.Delivery.Carrier)
		mergeString(upd.Payload, "trackingId", &o.Delivery.TrackingID)
		mergeString(upd.Payload, "estimatedAt", &o.Delivery.EstimatedAt)
		mergeString(upd.Payload, "note", &o.Delivery.Note)
		o.LastUpdated = upd.Timestamp
	case model.UpdateNewOrder:
		// order already exists; a replayed create carries nothing new
		metrics.UpdatesDropped.WithLabelValues("duplicate").Inc()
		return nil
	default:
		return fmt.Errorf("unknown update type %q", upd.UpdateType)
	}

	if err := r.store.PutOrder(ctx, o); err != nil {
		return err
	}
	metrics.UpdatesApplied.WithLabelValues(upd.UpdateType).Inc()
	r.emit(upd.UpdateType, o)
	return nil
}

// ApplySnapshot replaces the held order with a full snapshot, but only when
// the snapshot is strictly newer. This is the path that guarantees eventual
// consistency even if every push update were lost.
func (r *Reconciler) ApplySnapshot(ctx context.Context, full model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if full.ID == "" {
		return fmt.Errorf("snapshot without order id")
	}
	existing, err := r.store.GetOrder(ctx, full.ID)
	known := true
	if errors.Is(err, store.ErrNotFound) {
		known = false
	} else if err != nil {
		return err
	}
	if known && !full.LastUpdated.After(existing.LastUpdated) {
		metrics.SnapshotsApplied.WithLabelValues("stale").Inc()
		return nil
	}
	full = normalize(full)
	if err := r.store.PutOrder(ctx, full); err != nil {
		return err
	}
	metrics.SnapshotsApplied.WithLabelValues("applied").Inc()
	r.emit(model.UpdateSnapshot, full)
	if !known {
		r.replayLocked(ctx, full.ID)
	}
	return nil
}

// RequestTransition is the outward command path: validate through the state
// machine, then persist and emit like any other applied change.
func (r *Reconciler) RequestTransition(ctx context.Context, orderID, nextStatus, note string) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	updated, err := state.ApplyTransition(o, nextStatus, note, time.Now().UTC())
	if err != nil {
		return model.Order{}, err
	}
	if err := r.store.PutOrder(ctx, updated); err != nil {
		return model.Order{}, err
	}
	metrics.UpdatesApplied.WithLabelValues(model.UpdateStatus).Inc()
	r.emit(model.UpdateStatus, updated)
	return updated, nil
}

// RequestStageAdvance advances a vendor's fulfillment record by exactly one
// stage. The order must be known; a missing record starts from the empty
// stage.
func (r *Reconciler) RequestStageAdvance(ctx context.Context, orderID, vendorID, nextStage string) (model.FulfillmentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.store.GetOrder(ctx, orderID); err != nil {
		return model.FulfillmentRecord{}, err
	}
	rec, err := r.store.GetFulfillment(ctx, orderID, vendorID)
	if errors.Is(err, store.ErrNotFound) {
		rec = model.FulfillmentRecord{OrderID: orderID, VendorID: vendorID}
	} else if err != nil {
		return model.FulfillmentRecord{}, err
	}
	advanced, err := state.AdvanceStage(rec, nextStage, time.Now().UTC())
	if err != nil {
		return model.FulfillmentRecord{}, err
	}
	if err := r.store.PutFulfillment(ctx, advanced); err != nil {
		return model.FulfillmentRecord{}, err
	}
	return advanced, nil
}

// GetOrder returns a snapshot copy of one order.
func (r *Reconciler) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return r.store.GetOrder(ctx, id)
}

// ListOrders returns snapshot copies, optionally filtered by status.
func (r *Reconciler) ListOrders(ctx context.Context, status, cursor string, limit int) ([]model.Order, string, error) {
	return r.store.ListOrders(ctx, status, cursor, limit)
}

func (r *Reconciler) createLocked(ctx context.Context, upd model.PendingUpdate) error {
	status, _ := upd.Payload["status"].(string)
	if status == "" {
		status = model.StatusPending
	}
	if !state.ValidStatus(status) {
		metrics.UpdatesDropped.WithLabelValues("malformed").Inc()
		return fmt.Errorf("new order %s with unknown status %q", upd.OrderID, status)
	}
	o := model.Order{
		ID:     upd.OrderID,
		Status: status,
		StatusHistory: []model.StatusHistoryEntry{{
			ID:        uuid.New().String(),
			Status:    status,
			Timestamp: upd.Timestamp,
		}},
		LastUpdated: upd.Timestamp,
		Payload:     upd.Payload,
	}
	mergeString(upd.Payload, "paymentStatus", &o.PaymentStatus)
	if o.PaymentStatus == "" {
		o.PaymentStatus = model.PaymentPending
	}
	if err := r.store.PutOrder(ctx, o); err != nil {
		return err
	}
	metrics.UpdatesApplied.WithLabelValues(model.UpdateNewOrder).Inc()
	r.emit(model.UpdateNewOrder, o)
	r.replayLocked(ctx, upd.OrderID)
	return nil
}

// maxPending bounds the parked queue so updates for orders that never
// materialize cannot grow it without limit. When full, the oldest parked
// entry is evicted.
const maxPending = 1000

// parkLocked holds an update for an order we have not seen yet. Newest per
// (orderId, updateType) wins; the superseded entry is destroyed.
func (r *Reconciler) parkLocked(upd model.PendingUpdate) {
	key := upd.OrderID + "|" + upd.UpdateType
	if prev, ok := r.pending[key]; ok && !upd.Timestamp.After(prev.Timestamp) {
		metrics.UpdatesDropped.WithLabelValues("stale").Inc()
		return
	}
	if _, ok := r.pending[key]; !ok && len(r.pending) >= maxPending {
		oldest := ""
		for k, p := range r.pending {
			if oldest == "" || p.Timestamp.Before(r.pending[oldest].Timestamp) {
				oldest = k
			}
		}
		delete(r.pending, oldest)
		metrics.UpdatesDropped.WithLabelValues("evicted").Inc()
		log.Printf("reconcile: parked queue full, evicted oldest update %s", oldest)
	}
	metrics.UpdatesDropped.WithLabelValues("unknown_order").Inc()
	r.pending[key] = upd
}

// replayLocked drains parked updates for an order that just became known,
// oldest first so the staleness check sees them in timestamp order.
func (r *Reconciler) replayLocked(ctx context.Context, orderID string) {
	var queued []model.PendingUpdate
	for key, upd := range r.pending {
		if upd.OrderID == orderID {
			queued = append(queued, upd)
			delete(r.pending, key)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].Timestamp.Before(queued[j].Timestamp) })
	for _, upd := range queued {
		if err := r.applyLocked(ctx, upd); err != nil {
			log.Printf("reconcile: replay of parked %s update for %s failed: %v", upd.UpdateType, orderID, err)
		}
	}
}

func (r *Reconciler) emit(updateType string, o model.Order) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(model.ChangeEvent{
		OrderID:    o.ID,
		UpdateType: updateType,
		NewState:   o.Clone(),
		Timestamp:  o.LastUpdated,
	})
}

// normalize keeps the status/history invariant intact for snapshots fetched
// from the backend: status always equals the newest history entry.
func normalize(o model.Order) model.Order {
	if o.Status == "" {
		o.Status = model.StatusPending
	}
	n := len(o.StatusHistory)
	if n == 0 || o.StatusHistory[n-1].Status != o.Status {
		o.StatusHistory = append(o.StatusHistory, model.StatusHistoryEntry{
			ID:        uuid.New().String(),
			Status:    o.Status,
			Timestamp: o.LastUpdated,
		})
	}
	return o
}

func mergeString(payload map[string]any, key string, dst *string) {
	if v, ok := payload[key].(string); ok && v != "" {
		*dst = v
	}
}
