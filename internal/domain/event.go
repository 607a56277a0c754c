package domain

import (
	"encoding/json"
	"time"
)

// EventType defines the type of domain event.
type EventType string

const (
	// EventVMActionSubmitted fires after a backend job was accepted for a VM.
	EventVMActionSubmitted EventType = "VM_ACTION_SUBMITTED"
	// EventVMStateChanged fires after a notification was applied to a VM.
	EventVMStateChanged EventType = "VM_STATE_CHANGED"
	// EventCommissionResolved fires after a serial was accepted or rejected.
	EventCommissionResolved EventType = "COMMISSION_RESOLVED"
)

// DomainEvent is an in-process notification about a committed change.
type DomainEvent struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       []byte    `json:"payload"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// VMStateChangedPayload is the payload of EventVMStateChanged.
type VMStateChangedPayload struct {
	VMID      int64     `json:"vm_id"`
	Task      Task      `json:"task,omitempty"`
	From      OperState `json:"from"`
	To        OperState `json:"to"`
	Opcode    Opcode    `json:"opcode"`
	JobID     int64     `json:"job_id"`
	JobStatus JobStatus `json:"job_status"`
}

// ToJSON converts payload to JSON bytes.
func (p VMStateChangedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// VMActionPayload is the payload of EventVMActionSubmitted.
type VMActionPayload struct {
	VMID   int64  `json:"vm_id"`
	Task   Task   `json:"task"`
	Opcode Opcode `json:"opcode"`
	JobID  int64  `json:"job_id"`
	Serial int64  `json:"serial,omitempty"`
	Actor  string `json:"actor"`
}

// ToJSON converts payload to JSON bytes.
func (p VMActionPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// CommissionResolvedPayload is the payload of EventCommissionResolved.
type CommissionResolvedPayload struct {
	VMID   int64 `json:"vm_id"`
	Serial int64 `json:"serial"`
	Accept bool  `json:"accept"`
}

// ToJSON converts payload to JSON bytes.
func (p CommissionResolvedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}
