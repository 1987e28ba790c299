package events

import "time"

// Event enumerates the topics published by strategy instances.
type Event string

const (
	// EventAll subscribes to every topic.
	EventAll Event = "*"

	EventOrderIntent     Event = "order.intent"
	EventOrderFilled     Event = "order.filled"
	EventOrderPartial    Event = "order.partially_filled"
	EventOrderFailed     Event = "order.failed"
	EventStateSaved      Event = "state.saved"
	EventInstanceStatus  Event = "instance.status"
	EventInstanceError   Event = "instance.error"
	EventPositionAdopted Event = "position.adopted"
	EventReconcileDrift  Event = "reconcile.drift"
)

// Message is one published event.
type Message struct {
	Seq        uint64         `json:"seq,omitempty"`
	Type       Event          `json:"type"`
	Account    string         `json:"account"`
	InstanceID string         `json:"instance_id,omitempty"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}
