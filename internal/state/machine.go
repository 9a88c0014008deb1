package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"ordersync/internal/model"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidStage      = errors.New("invalid fulfillment stage")
)

// transitions is the directed graph of legal order-status edges. No
// back-edges except into cancelled; delivered and cancelled are terminal.
var transitions = map[string][]string{
	model.StatusPending:   {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed: {model.StatusPacked, model.StatusCancelled},
	model.StatusPacked:    {model.StatusShipped, model.StatusCancelled},
	model.StatusShipped:   {model.StatusDelivered, model.StatusCancelled},
	model.StatusDelivered: {},
	model.StatusCancelled: {},
}

// stageOrder is the linear fulfillment sub-lifecycle; each stage requires
// the prior one as precondition.
var stageOrder = []string{
	model.StageAvailabilityConfirmed,
	model.StagePacked,
	model.StagePaymentProcessed,
	model.StageAdminPaid,
	model.StageHandedOver,
}

// CanTransition reports whether next is a legal successor of current.
func CanTransition(current, next string) bool {
	for _, s := range transitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// ApplyTransition returns a copy of the order moved to next, with a history
// entry appended and lastUpdated set to ts. Payment side effects are part of
// the transition table: delivered marks the payment paid, cancelled marks it
// refunded. The input order is not mutated.
func ApplyTransition(o model.Order, next, note string, ts time.Time) (model.Order, error) {
	if !CanTransition(o.Status, next) {
		return model.Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	out := o.Clone()
	entry := model.StatusHistoryEntry{
		ID:             uuid.New().String(),
		Status:         next,
		PreviousStatus: o.Status,
		Timestamp:      ts,
		Note:           note,
	}
	out.Status = next
	out.StatusHistory = append(out.StatusHistory, entry)
	out.LastUpdated = ts
	switch next {
	case model.StatusDelivered:
		out.PaymentStatus = model.PaymentPaid
	case model.StatusCancelled:
		out.PaymentStatus = model.PaymentRefunded
	}
	return out, nil
}

// NextStage returns the stage that follows current, or "" when current is
// terminal. An empty current maps to the first stage.
func NextStage(current string) string {
	if current == "" {
		return stageOrder[0]
	}
	for i, s := range stageOrder {
		if s == current && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// AdvanceStage returns a copy of the record moved to next. Stages are
// strictly forward and contiguous: skipping or regressing fails with
// ErrInvalidStage and the record is left unchanged.
func AdvanceStage(rec model.FulfillmentRecord, next string, ts time.Time) (model.FulfillmentRecord, error) {
	if !validStage(next) {
		return model.FulfillmentRecord{}, fmt.Errorf("%w: unknown stage %q", ErrInvalidStage, next)
	}
	if NextStage(rec.Stage) != next {
		return model.FulfillmentRecord{}, fmt.Errorf("%w: %q does not follow %q", ErrInvalidStage, next, rec.Stage)
	}
	rec.Stage = next
	rec.UpdatedAt = ts
	return rec, nil
}

func validStage(s string) bool {
	for _, v := range stageOrder {
		if v == s {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is one of the known order statuses.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}
