package domain

import "time"

// TransactionEvent is published on the EventBus whenever a deal changes.
type TransactionEvent struct {
	Type          string            `json:"type"` // "status_changed", "step_completed", ...
	TransactionID string            `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	StepNumber    int               `json:"step_number,omitempty"`
	StepType      StepType          `json:"step_type,omitempty"`
	ActorID       string            `json:"actor_id,omitempty"`
	At            time.Time         `json:"at"`
}

// Event type names.
const (
	EventStatusChanged = "status_changed"
	EventStepCompleted = "step_completed"
	EventOfferUpdated  = "offer_updated"
	EventSigned        = "agreement_signed"
)
