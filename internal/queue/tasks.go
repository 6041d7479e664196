package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeNotifyDeliver    = "notify:deliver"
	TypeCommissionRepair = "commission:repair"
)

// CommissionRepairPayload identifies an order whose affiliate credit failed
// during commit.
type CommissionRepairPayload struct {
	OrderID uuid.UUID `json:"orderId"`
}

// NewCommissionRepairTask builds the repair job for orderID. The order id is
// the idempotency key so an order is queued for repair at most once.
func NewCommissionRepairTask(orderID uuid.UUID) (Task, error) {
	if orderID == uuid.Nil {
		return Task{}, fmt.Errorf("queue: commission repair requires an order id")
	}
	raw, err := json.Marshal(CommissionRepairPayload{OrderID: orderID})
	if err != nil {
		return Task{}, err
	}
	return Task{
		Kind:           TypeCommissionRepair,
		Payload:        raw,
		IdempotencyKey: orderID.String(),
		MaxAttempts:    20,
	}, nil
}

// DecodeCommissionRepair parses a repair payload. Malformed payloads are
// wrapped with asynq.SkipRetry since retrying cannot fix them.
func DecodeCommissionRepair(payload []byte) (CommissionRepairPayload, error) {
	var p CommissionRepairPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("queue: decode commission repair: %v: %w", err, asynq.SkipRetry)
	}
	if p.OrderID == uuid.Nil {
		return p, fmt.Errorf("queue: commission repair without order id: %w", asynq.SkipRetry)
	}
	return p, nil
}
