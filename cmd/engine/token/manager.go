// Package token owns token lifecycle transitions. Every transition is a
// compare-and-set against the state store: callers operate on a
// snapshot, and the first writer wins. Losers observe TOKEN_STATE and
// abort their operation.
package token

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Manager performs token transitions through the state store
type Manager struct {
	state  *state.Manager
	logger Logger
}

// Opts configures the token manager
type Opts struct {
	State  *state.Manager
	Logger Logger
}

// NewManager creates a token manager
func NewManager(opts Opts) *Manager {
	return &Manager{
		state:  opts.State,
		logger: opts.Logger,
	}
}

// Target names a destination for a move or split. ScopeID is
// authoritative: an empty scope is the root scope, so callers staying
// in place pass the source token's scope.
type Target struct {
	NodeID  string
	ScopeID string
	FlowID  string
}

// SameScope builds a target in the source token's scope
func SameScope(source *sdk.Token, nodeID, flowID string) Target {
	return Target{NodeID: nodeID, ScopeID: source.ScopeID, FlowID: flowID}
}

// CreateInitialToken plants the first ACTIVE token of an instance at
// its start node.
func (m *Manager) CreateInitialToken(ctx context.Context, instanceID, startNodeID string, data map[string]interface{}) (*sdk.Token, error) {
	tok := &sdk.Token{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     startNodeID,
		State:      sdk.TokenActive,
		Data:       sdk.CopyData(data),
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.state.AddToken(ctx, tok); err != nil {
		return nil, err
	}
	m.logger.Info("initial token created", "instance_id", instanceID, "node_id", startNodeID)
	return tok, nil
}

// MoveToken atomically retires the source token and materializes a new
// ACTIVE token at the target. Fails with TOKEN_STATE when the source
// snapshot is stale.
func (m *Manager) MoveToken(ctx context.Context, source *sdk.Token, target Target) (*sdk.Token, error) {
	return m.MoveTokenWithData(ctx, source, target, source.Data)
}

// MoveTokenWithData is MoveToken with an explicit payload for the new
// token; parallel joins use it to carry merged branch data.
func (m *Manager) MoveTokenWithData(ctx context.Context, source *sdk.Token, target Target, data map[string]interface{}) (*sdk.Token, error) {
	next := &sdk.Token{
		ID:         uuid.NewString(),
		InstanceID: source.InstanceID,
		NodeID:     target.NodeID,
		ScopeID:    target.ScopeID,
		FlowID:     target.FlowID,
		State:      sdk.TokenActive,
		Data:       sdk.CopyData(data),
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.state.ReplaceToken(ctx, source, []*sdk.Token{next}); err != nil {
		return nil, err
	}
	m.logger.Debug("token moved",
		"instance_id", source.InstanceID,
		"from", source.NodeID,
		"to", target.NodeID,
		"scope_id", target.ScopeID,
	)
	return next, nil
}

// SplitToken retires the source and creates one ACTIVE token per
// target, all-or-nothing. Each new token carries a copy of the source
// data.
func (m *Manager) SplitToken(ctx context.Context, source *sdk.Token, targets []Target) ([]*sdk.Token, error) {
	out := make([]*sdk.Token, 0, len(targets))
	for _, target := range targets {
		out = append(out, &sdk.Token{
			ID:         uuid.NewString(),
			InstanceID: source.InstanceID,
			NodeID:     target.NodeID,
			ScopeID:    target.ScopeID,
			FlowID:     target.FlowID,
			State:      sdk.TokenActive,
			Data:       sdk.CopyData(source.Data),
			CreatedAt:  time.Now().UTC(),
		})
	}
	if err := m.state.ReplaceToken(ctx, source, out); err != nil {
		return nil, err
	}
	m.logger.Debug("token split",
		"instance_id", source.InstanceID,
		"from", source.NodeID,
		"targets", len(targets),
	)
	return out, nil
}

// ConsumeToken removes the token. The winning caller succeeds once; a
// concurrent or repeated consume fails with TOKEN_STATE.
func (m *Manager) ConsumeToken(ctx context.Context, tok *sdk.Token) error {
	if err := m.state.ReplaceToken(ctx, tok, nil); err != nil {
		return err
	}
	m.logger.Debug("token consumed", "instance_id", tok.InstanceID, "node_id", tok.NodeID)
	return nil
}

// UpdateState CAS-transitions the token's state in place
func (m *Manager) UpdateState(ctx context.Context, tok *sdk.Token, next sdk.TokenState) error {
	return m.state.UpdateTokenState(ctx, tok, next)
}

// EmitToken creates a fresh ACTIVE token at a target without retiring
// any source. Parallel joins use it: the join position slot is shared
// by every arriving branch, so the merged token cannot be CAS-moved
// out of it.
func (m *Manager) EmitToken(ctx context.Context, instanceID string, target Target, data map[string]interface{}) (*sdk.Token, error) {
	tok := &sdk.Token{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     target.NodeID,
		ScopeID:    target.ScopeID,
		FlowID:     target.FlowID,
		State:      sdk.TokenActive,
		Data:       sdk.CopyData(data),
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.state.AddToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// SpawnToken creates a fresh token without retiring any source. Used by
// boundary events and event subprocesses whose tokens appear alongside
// an existing one.
func (m *Manager) SpawnToken(ctx context.Context, instanceID, nodeID, scopeID string, st sdk.TokenState, data map[string]interface{}) (*sdk.Token, error) {
	tok := &sdk.Token{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		ScopeID:    scopeID,
		State:      st,
		Data:       sdk.CopyData(data),
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.state.AddToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}
