package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// ProcessInstance is the relational record of one execution. The fast
// store owns the hot token/variable state; this row is touched only at
// lifecycle boundaries (create, status change, completion).
type ProcessInstance struct {
	ID           uuid.UUID          `json:"id"`
	DefinitionID uuid.UUID          `json:"definition_id"`
	Version      int                `json:"version"`
	Status       sdk.InstanceStatus `json:"status"`
	Error        string             `json:"error,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
}

// ActivityLog is an append-only audit record of node-level events
type ActivityLog struct {
	ID         int64     `json:"id"`
	InstanceID uuid.UUID `json:"instance_id"`
	NodeID     string    `json:"node_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
