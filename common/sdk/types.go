package sdk

import (
	"encoding/json"
	"time"
)

// TokenState is the lifecycle state of a token
type TokenState string

const (
	TokenActive       TokenState = "ACTIVE"
	TokenSuspended    TokenState = "SUSPENDED"
	TokenCompleted    TokenState = "COMPLETED"
	TokenError        TokenState = "ERROR"
	TokenCancelled    TokenState = "CANCELLED"
	TokenCompensation TokenState = "COMPENSATION"
	TokenWaiting      TokenState = "WAITING"
)

// Token is the single unit of control flow at one node within an instance.
// Tokens are created and mutated only through the token manager; every
// mutation is a compare-and-set on State in the fast store.
type Token struct {
	// Unique token ID
	ID string `json:"id"`

	// Instance reference
	InstanceID string `json:"instance_id"`

	// Node the token currently rests at
	NodeID string `json:"node_id"`

	// Scope the token belongs to; empty for the root scope.
	// Scope paths are /-separated chains from the root.
	ScopeID string `json:"scope_id,omitempty"`

	// Flow that delivered the token to its current node (empty for
	// initial tokens). Parallel joins use this to attribute arrivals.
	FlowID string `json:"flow_id,omitempty"`

	State TokenState `json:"state"`

	// Payload carried along the flow
	Data map[string]interface{} `json:"data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PositionKey identifies the (scope, node) slot the token occupies inside
// the per-instance token hash.
func (t *Token) PositionKey() string {
	return PositionKey(t.ScopeID, t.NodeID)
}

// PositionKey builds a token hash field from a scope and node
func PositionKey(scopeID, nodeID string) string {
	if scopeID == "" {
		scopeID = "root"
	}
	return scopeID + ":" + nodeID
}

// Clone returns a deep copy of the token
func (t *Token) Clone() *Token {
	dup := *t
	if t.Data != nil {
		dup.Data = CopyData(t.Data)
	}
	return &dup
}

// CopyData deep-copies a token data map via JSON round-trip
func CopyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		// Data maps always originate from JSON; shallow copy is the
		// best we can do for non-serializable values.
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	out := make(map[string]interface{}, len(data))
	if err := json.Unmarshal(raw, &out); err != nil {
		return data
	}
	return out
}

// VariableType tags the dynamic type of a process variable
type VariableType string

const (
	VarString  VariableType = "string"
	VarInteger VariableType = "integer"
	VarFloat   VariableType = "float"
	VarBoolean VariableType = "boolean"
	VarDate    VariableType = "date"
	VarJSON    VariableType = "json"
)

// Variable is a tagged process variable. The type tag is part of the
// contract: date values round-trip as ISO-8601 strings.
type Variable struct {
	Type  VariableType `json:"type"`
	Value interface{}  `json:"value"`
}

// DateLayout is the storage format for date variables
const DateLayout = time.RFC3339

// NewVariable infers a tagged variable from a raw value
func NewVariable(value interface{}) *Variable {
	switch v := value.(type) {
	case string:
		return &Variable{Type: VarString, Value: v}
	case bool:
		return &Variable{Type: VarBoolean, Value: v}
	case int:
		return &Variable{Type: VarInteger, Value: int64(v)}
	case int64:
		return &Variable{Type: VarInteger, Value: v}
	case float64:
		if v == float64(int64(v)) {
			return &Variable{Type: VarInteger, Value: int64(v)}
		}
		return &Variable{Type: VarFloat, Value: v}
	case time.Time:
		return &Variable{Type: VarDate, Value: v.Format(DateLayout)}
	default:
		return &Variable{Type: VarJSON, Value: v}
	}
}

// Decode returns the native Go value for the variable: dates become
// time.Time, integers int64, everything else passes through.
func (v *Variable) Decode() interface{} {
	if v == nil {
		return nil
	}
	switch v.Type {
	case VarDate:
		if s, ok := v.Value.(string); ok {
			if t, err := time.Parse(DateLayout, s); err == nil {
				return t
			}
		}
		return v.Value
	case VarInteger:
		switch n := v.Value.(type) {
		case float64:
			return int64(n)
		case int:
			return int64(n)
		}
		return v.Value
	default:
		return v.Value
	}
}

// TimerType distinguishes the three BPMN timer definitions
type TimerType string

const (
	TimerDuration TimerType = "duration"
	TimerDate     TimerType = "date"
	TimerCycle    TimerType = "cycle"
)

// TimerState is the durable record of a pending timer
type TimerState struct {
	TimerID    string    `json:"timer_id"`
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id"`
	TimerType  TimerType `json:"timer_type"`
	Definition string    `json:"definition"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`

	// Remaining repetitions for cycle timers
	Remaining int `json:"remaining,omitempty"`

	// Token payload to restore when the timer fires
	TokenData map[string]interface{} `json:"token_data,omitempty"`

	// Boundary timers record the activity they are attached to
	ActivityID   string `json:"activity_id,omitempty"`
	Interrupting bool   `json:"interrupting,omitempty"`

	// Start timers belong to a definition rather than a running
	// instance; the firing materializes a new instance of this
	// definition version.
	DefinitionID string `json:"definition_id,omitempty"`
	Version      int    `json:"version,omitempty"`
}

// MessageSubscription registers a waiting message catch event
type MessageSubscription struct {
	MessageName      string    `json:"message_name"`
	InstanceID       string    `json:"instance_id"`
	NodeID           string    `json:"node_id"`
	CorrelationValue string    `json:"correlation_value,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SignalSubscription registers a waiting signal catch event.
// Signals are broadcast; there is no correlation.
type SignalSubscription struct {
	SignalName string    `json:"signal_name"`
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// CompensationHandler records an undo activity for a completed activity.
// Handlers without an explicit ExecutionOrder keep registration order.
type CompensationHandler struct {
	InstanceID     string `json:"instance_id"`
	ActivityID     string `json:"activity_id"`
	HandlerID      string `json:"handler_id"`
	ScopeID        string `json:"scope_id,omitempty"`
	ExecutionOrder *int   `json:"execution_order,omitempty"`

	// Seq is the registration sequence assigned by the state manager
	Seq int `json:"seq"`

	// Snapshot of the compensated activity's token data
	ActivityData map[string]interface{} `json:"activity_data,omitempty"`
}

// InstanceStatus is the relational-store status of a process instance
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceSuspended InstanceStatus = "SUSPENDED"
	InstanceError     InstanceStatus = "ERROR"
)

// Event bus routing keys
const (
	TopicProcessStarted        = "process.started"
	TopicProcessTimerTriggered = "process.timer_triggered"
)

// ProcessEvent is the JSON payload published on the event bus
type ProcessEvent struct {
	InstanceID   string               `json:"instance_id"`
	DefinitionID string               `json:"definition_id"`
	Variables    map[string]*Variable `json:"variables,omitempty"`
	Source       string               `json:"source,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}
