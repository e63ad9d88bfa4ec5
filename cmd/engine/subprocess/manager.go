// Package subprocess handles scope entry and completion: embedded
// subprocesses, transactions and event subprocesses. A scope is a
// /-separated path of node IDs; entering pushes a segment, completing
// maps output variables up, purges the scope and resumes the parent.
package subprocess

import (
	"context"
	"strings"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/cmd/engine/token"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Manager performs scope transitions
type Manager struct {
	state  *state.Manager
	tokens *token.Manager
	logger Logger
}

// Opts configures the subprocess manager
type Opts struct {
	State  *state.Manager
	Tokens *token.Manager
	Logger Logger
}

// NewManager creates a subprocess manager
func NewManager(opts Opts) *Manager {
	return &Manager{
		state:  opts.State,
		tokens: opts.Tokens,
		logger: opts.Logger,
	}
}

// ScopeNodeID returns the graph node owning a runtime scope path
func ScopeNodeID(scopePath string) string {
	if i := strings.LastIndex(scopePath, "/"); i >= 0 {
		return scopePath[i+1:]
	}
	return scopePath
}

// ParentPath returns the enclosing scope path; empty for root children
func ParentPath(scopePath string) string {
	if i := strings.LastIndex(scopePath, "/"); i >= 0 {
		return scopePath[:i]
	}
	return ""
}

// ChildPath extends a scope path with a nested scope node
func ChildPath(parent, scopeID string) string {
	if parent == "" {
		return scopeID
	}
	return parent + "/" + scopeID
}

// Enter retires a token resting on a subprocess or transaction node and
// plants it at the scope's start event.
func (m *Manager) Enter(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) (*sdk.Token, error) {
	start := g.StartEventFor(node.ID)
	if start == nil {
		return nil, sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"subprocess %q has no start event", node.ID).WithInstance(tok.InstanceID)
	}

	child := ChildPath(tok.ScopeID, node.ID)
	next, err := m.tokens.MoveTokenWithData(ctx, tok,
		token.Target{NodeID: start.ID, ScopeID: child}, tok.Data)
	if err != nil {
		return nil, err
	}

	m.logger.Info("subprocess entered",
		"instance_id", tok.InstanceID, "subprocess_id", node.ID, "scope_id", child)
	return next, nil
}

// Complete finishes a scope whose end event has been reached. Output
// variables declared on the scope node map into the parent scope; the
// scope's tokens and remaining variables are purged, and a fresh token
// resumes the parent on the scope node's outgoing flow. Event
// subprocesses have no continuation and return a nil token.
func (m *Manager) Complete(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token) (*sdk.Token, error) {
	scopePath := tok.ScopeID
	scopeNode := g.Node(ScopeNodeID(scopePath))
	if scopeNode == nil {
		return nil, sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"scope %q has no owning node", scopePath).WithInstance(tok.InstanceID)
	}
	parent := ParentPath(scopePath)

	for source, target := range scopeNode.OutputVars {
		v, err := m.state.GetVariable(ctx, tok.InstanceID, scopePath, source, false)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		if err := m.state.SetVariable(ctx, tok.InstanceID, parent, target, v); err != nil {
			return nil, err
		}
	}

	var next *sdk.Token
	if scopeNode.Type != bpmn.NodeEventSubprocess {
		flows := g.FlowsFrom(scopeNode)
		if len(flows) > 0 {
			var err error
			next, err = m.tokens.EmitToken(ctx, tok.InstanceID,
				token.Target{NodeID: flows[0].TargetRef, ScopeID: parent, FlowID: flows[0].ID},
				tok.Data)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := m.purgeScope(ctx, tok.InstanceID, scopePath); err != nil {
		return nil, err
	}

	m.logger.Info("subprocess completed",
		"instance_id", tok.InstanceID, "scope_id", scopePath)
	return next, nil
}

// CancelScope drops every token and variable of a scope subtree without
// mapping outputs. Transactions cancel through here after compensation.
// Nested scopes die with the subtree, so their variables are purged
// here rather than on their own completion.
func (m *Manager) CancelScope(ctx context.Context, instanceID, scopePath string) error {
	if err := m.state.ClearScopeTokens(ctx, instanceID, scopePath); err != nil {
		return err
	}
	if err := m.state.ClearScopeTreeVariables(ctx, instanceID, scopePath); err != nil {
		return err
	}
	m.logger.Info("scope cancelled", "instance_id", instanceID, "scope_id", scopePath)
	return nil
}

func (m *Manager) purgeScope(ctx context.Context, instanceID, scopePath string) error {
	if err := m.state.ClearScopeTokens(ctx, instanceID, scopePath); err != nil {
		return err
	}
	return m.state.ClearScopeVariables(ctx, instanceID, scopePath)
}
