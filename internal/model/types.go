package model

import "time"

// Order lifecycle statuses. The graph of legal transitions lives in the
// state package; these are just the vocabulary.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusPacked    = "packed"
	StatusShipped   = "shipped"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// Payment statuses carried on the order record.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
	PaymentFailed   = "failed"
)

// Vendor-side fulfillment stages, strictly linear.
const (
	StageAvailabilityConfirmed = "availability_confirmed"
	StagePacked                = "packed"
	StagePaymentProcessed      = "payment_processed"
	StageAdminPaid             = "admin_paid"
	StageHandedOver            = "handed_over"
)

// Update types as carried on PendingUpdate.
const (
	UpdateStatus   = "status"
	UpdatePayment  = "payment"
	UpdateDelivery = "delivery"
	UpdateNewOrder = "new_order"
	UpdateSnapshot = "snapshot" // poll-fallback full replace, change events only
)

// Order is the authoritative per-order record held by the reconciler.
// Items, totals and addresses are opaque payload; the core only interprets
// the fields it merges.
type Order struct {
	ID                 string               `json:"id"`
	Status             string               `json:"status"`
	PaymentStatus      string               `json:"paymentStatus,omitempty"`
	VerificationStatus string               `json:"verificationStatus,omitempty"`
	PaymentMethod      string               `json:"paymentMethod,omitempty"`
	TransactionID      string               `json:"transactionId,omitempty"`
	Delivery           *DeliveryInfo        `json:"delivery,omitempty"`
	StatusHistory      []StatusHistoryEntry `json:"statusHistory"`
	LastUpdated        time.Time            `json:"lastUpdated"`
	Payload            map[string]any       `json:"payload,omitempty"`
}

// StatusHistoryEntry records one accepted transition. Entries are append-only
// and never mutated after creation.
type StatusHistoryEntry struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Note           string    `json:"note,omitempty"`
}

type DeliveryInfo struct {
	Status      string `json:"status,omitempty"`
	Carrier     string `json:"carrier,omitempty"`
	TrackingID  string `json:"trackingId,omitempty"`
	EstimatedAt string `json:"estimatedAt,omitempty"`
	Note        string `json:"note,omitempty"`
}

// FulfillmentRecord tracks a vendor's progress through the packing/handover
// sub-lifecycle for one assigned order.
type FulfillmentRecord struct {
	OrderID   string    `json:"orderId"`
	VendorID  string    `json:"vendorId"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Connection statuses reported by the sync engine.
const (
	ConnDisconnected = "disconnected"
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnError        = "error"
	ConnDegraded     = "degraded"
)

// ConnectionState describes the sync engine's view of the push transport.
type ConnectionState struct {
	Status       string    `json:"status"`
	RetryCount   int       `json:"retryCount"`
	LastError    string    `json:"lastError,omitempty"`
	LastSyncTime time.Time `json:"lastSyncTime,omitempty"`
}

// PushMessage is the wire shape delivered by the backend's push stream.
type PushMessage struct {
	Type      string         `json:"type"`
	OrderID   string         `json:"orderId"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Push message types, mapped to update types by the engine.
const (
	MsgOrderStatusUpdate    = "order_status_update"
	MsgOrderPaymentVerified = "order_payment_verified"
	MsgOrderDeliveryUpdate  = "order_delivery_update"
	MsgOrderCreated         = "order_created"
)

// PendingUpdate is a validated update handed from the engine (or parked by
// the reconciler when its order is not yet known). Newest per
// (orderId, updateType) wins; older entries are superseded.
type PendingUpdate struct {
	ID         string         `json:"id"`
	OrderID    string         `json:"orderId"`
	UpdateType string         `json:"updateType"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ChangeEvent is delivered to subscribers for every applied change.
// NewState is a snapshot copy, never a live reference.
type ChangeEvent struct {
	OrderID    string    `json:"orderId"`
	UpdateType string    `json:"updateType"`
	NewState   Order     `json:"newState"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransitionRequest is the body of the outward transition command.
type TransitionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// StageAdvanceRequest is the body of the fulfillment advance command.
type StageAdvanceRequest struct {
	VendorID string `json:"vendorId"`
	Stage    string `json:"stage"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (o Order) Clone() Order {
	out := o
	if o.StatusHistory != nil {
		out.StatusHistory = make([]StatusHistoryEntry, len(o.StatusHistory))
		copy(out.StatusHistory, o.StatusHistory)
	}
	if o.Delivery != nil {
		d := *o.Delivery
		out.Delivery = &d
	}
	if o.Payload != nil {
		p := make(map[string]any, len(o.Payload))
		for k, v := range o.Payload {
			p[k] = v
		}
		out.Payload = p
	}
	return out
}
