package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/event"
	"github.com/fluxline/bpmn-engine/cmd/engine/subprocess"
	"github.com/fluxline/bpmn-engine/cmd/engine/token"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// escalate routes a failure to the nearest matching error handler: an
// error boundary on the failing node, then error event subprocesses and
// scope boundaries walking outward through the scope chain. An
// unclaimed error fails the instance.
//
// Engine failures (service task errors, expression faults) escalate
// under their engine code, so boundaries can catch SERVICE_TASK_FAILED
// the same way they catch declared process errors.
func (r *run) escalate(ctx context.Context, tok *sdk.Token, node *bpmn.Node, cause error) {
	pe, ok := sdk.AsProcessError(cause)
	if !ok {
		pe = &sdk.ProcessError{
			ErrorCode: string(sdk.CodeOf(cause)),
			Message:   cause.Error(),
			NodeID:    node.ID,
			Data:      sdk.CopyData(tok.Data),
		}
	}

	r.e.logger.Warn("escalating process error",
		"instance_id", r.instanceID,
		"node_id", node.ID,
		"error_code", pe.ErrorCode,
		"error", pe.Message,
	)

	// the failing token may still occupy its slot (task failures) or be
	// gone already (throws); either way it must not keep running
	if err := r.e.tokens.ConsumeToken(ctx, tok.Clone()); err != nil && !sdk.IsCode(err, sdk.CodeTokenState) {
		r.fail(err)
		return
	}

	data := errorData(pe)

	// error boundary directly on the failing activity
	if node.IsActivity() {
		if be := matchErrorBoundary(r.g.Boundaries(node.ID), pe.ErrorCode); be != nil {
			r.emitHandler(ctx, be.ID, tok.ScopeID, data)
			return
		}
	}

	// walk the scope chain outward, root last
	scopePath := tok.ScopeID
	for {
		scopeNodeID := subprocess.ScopeNodeID(scopePath)

		if esp, start := matchErrorEventSubprocess(r.g, scopeNodeID, pe.ErrorCode); esp != nil {
			if start.CancelActivity {
				r.stopScopeWatch(scopePath)
				if err := r.e.state.ClearScopeTokens(ctx, r.instanceID, scopePath); err != nil {
					r.fail(err)
					return
				}
			}
			r.emitHandler(ctx, start.ID, subprocess.ChildPath(scopePath, esp.ID), data)
			return
		}

		if scopePath == "" {
			break
		}

		if be := matchErrorBoundary(r.g.Boundaries(scopeNodeID), pe.ErrorCode); be != nil {
			r.stopScopeWatch(scopePath)
			if err := r.e.scopes.CancelScope(ctx, r.instanceID, scopePath); err != nil {
				r.fail(err)
				return
			}
			r.emitHandler(ctx, be.ID, subprocess.ParentPath(scopePath), data)
			return
		}

		scopePath = subprocess.ParentPath(scopePath)
	}

	r.fail(pe)
}

// emitHandler plants a fresh token at an error handler node
func (r *run) emitHandler(ctx context.Context, nodeID, scopeID string, data map[string]interface{}) {
	next, err := r.e.tokens.EmitToken(ctx, r.instanceID,
		token.Target{NodeID: nodeID, ScopeID: scopeID}, data)
	if err != nil {
		r.fail(err)
		return
	}
	r.spawn(ctx, next)
}

func errorData(pe *sdk.ProcessError) map[string]interface{} {
	data := sdk.CopyData(pe.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	data["error_code"] = pe.ErrorCode
	data["error_message"] = pe.Message
	return data
}

// matchErrorBoundary picks the first error boundary whose code matches;
// an empty boundary code catches all.
func matchErrorBoundary(boundaries []*bpmn.Node, code string) *bpmn.Node {
	var catchAll *bpmn.Node
	for _, be := range boundaries {
		if be.Event != bpmn.EventError {
			continue
		}
		if be.ErrorCode == code {
			return be
		}
		if be.ErrorCode == "" && catchAll == nil {
			catchAll = be
		}
	}
	return catchAll
}

// matchErrorEventSubprocess finds an error-started event subprocess in a
// scope whose code matches, and its start event.
func matchErrorEventSubprocess(g *bpmn.ProcessGraph, scopeNodeID, code string) (*bpmn.Node, *bpmn.Node) {
	var catchAll, catchAllStart *bpmn.Node
	for _, esp := range g.EventSubprocesses(scopeNodeID) {
		start := g.StartEventFor(esp.ID)
		if start == nil || start.Event != bpmn.EventError {
			continue
		}
		if start.ErrorCode == code {
			return esp, start
		}
		if start.ErrorCode == "" && catchAll == nil {
			catchAll, catchAllStart = esp, start
		}
	}
	return catchAll, catchAllStart
}

// watchScopeBoundaries arms timer and message boundary events attached
// to a subprocess or transaction node. Scope boundaries cannot race the
// scope through a single token CAS, so an interrupting firing checks
// for surviving scope tokens, clears them, and emits in the parent.
func (r *run) watchScopeBoundaries(ctx context.Context, wg *sync.WaitGroup, scopeNode *bpmn.Node, scopePath, parentScope string, seed map[string]interface{}) {
	for _, be := range r.g.Boundaries(scopeNode.ID) {
		be := be
		switch be.Event {
		case bpmn.EventTimer:
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.scopeBoundaryTimer(ctx, be, scopePath, parentScope, seed)
			}()
		case bpmn.EventMessage:
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.scopeBoundaryMessage(ctx, be, scopePath, parentScope, seed)
			}()
		}
	}
}

func (r *run) scopeBoundaryTimer(ctx context.Context, be *bpmn.Node, scopePath, parentScope string, seed map[string]interface{}) {
	sched, err := event.ResolveTimer(be.Timer, time.Now().UTC())
	if err != nil {
		r.e.logger.Error("scope boundary timer resolution failed",
			"instance_id", r.instanceID, "node_id", be.ID, "error", err)
		return
	}

	fireAt := sched.FireAt
	for rep := sched.Repetitions; rep > 0; rep-- {
		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !r.fireScopeBoundary(ctx, be, scopePath, parentScope, seed, nil) || be.CancelActivity {
			return
		}
		fireAt = fireAt.Add(sched.Interval)
	}
}

func (r *run) scopeBoundaryMessage(ctx context.Context, be *bpmn.Node, scopePath, parentScope string, seed map[string]interface{}) {
	correlation, err := r.scopeCorrelation(ctx, be, scopePath, seed)
	if err != nil {
		r.e.logger.Error("scope boundary correlation failed",
			"instance_id", r.instanceID, "node_id", be.ID, "error", err)
		return
	}
	for {
		envelope, err := r.e.state.WaitForMessage(ctx, be.MessageName, correlation,
			r.instanceID, be.ID, 0)
		if err != nil {
			if ctx.Err() == nil {
				r.e.logger.Error("scope boundary message wait failed",
					"instance_id", r.instanceID, "node_id", be.ID, "error", err)
			}
			return
		}
		extra := map[string]interface{}{"message_payload": messagePayload(envelope)}
		if !r.fireScopeBoundary(ctx, be, scopePath, parentScope, seed, extra) || be.CancelActivity {
			return
		}
	}
}

// scopeCorrelation evaluates a message boundary's correlation key
// against the scope's variables; an empty key subscribes uncorrelated.
func (r *run) scopeCorrelation(ctx context.Context, be *bpmn.Node, scopePath string, seed map[string]interface{}) (string, error) {
	if be.CorrelationKey == "" {
		return "", nil
	}
	vars, err := r.e.state.DecodedVariables(ctx, r.instanceID, scopePath)
	if err != nil {
		return "", err
	}
	for k, v := range seed {
		vars[k] = v
	}
	val, err := r.e.eval.Evaluate(be.CorrelationKey, vars)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", val), nil
}

func (r *run) fireScopeBoundary(ctx context.Context, be *bpmn.Node, scopePath, parentScope string, seed, extra map[string]interface{}) bool {
	fireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if be.CancelActivity {
		alive, err := r.scopeHasTokens(fireCtx, scopePath)
		if err != nil {
			r.e.logger.Error("scope boundary liveness check failed",
				"instance_id", r.instanceID, "node_id", be.ID, "error", err)
			return false
		}
		if !alive {
			// scope completed before the firing landed
			return false
		}
		if err := r.e.scopes.CancelScope(fireCtx, r.instanceID, scopePath); err != nil {
			r.e.logger.Error("scope boundary cancel failed",
				"instance_id", r.instanceID, "node_id", be.ID, "error", err)
			return false
		}
	}

	data := sdk.CopyData(seed)
	if data == nil {
		data = make(map[string]interface{})
	}
	for k, v := range extra {
		data[k] = v
	}

	next, err := r.e.tokens.EmitToken(fireCtx, r.instanceID,
		token.Target{NodeID: be.ID, ScopeID: parentScope}, data)
	if err != nil {
		r.e.logger.Error("scope boundary emit failed",
			"instance_id", r.instanceID, "node_id", be.ID, "error", err)
		return false
	}

	r.e.logger.Info("scope boundary fired",
		"instance_id", r.instanceID, "node_id", be.ID, "scope_id", scopePath,
		"interrupting", be.CancelActivity)
	r.spawn(ctx, next)
	return true
}

func (r *run) scopeHasTokens(ctx context.Context, scopePath string) (bool, error) {
	positions, err := r.e.state.GetTokenPositions(ctx, r.instanceID)
	if err != nil {
		return false, err
	}
	for _, tok := range positions {
		if tok.ScopeID == scopePath || hasScopePrefix(tok.ScopeID, scopePath) {
			return true, nil
		}
	}
	return false, nil
}

func hasScopePrefix(scopeID, parent string) bool {
	return len(scopeID) > len(parent)+1 &&
		scopeID[:len(parent)] == parent &&
		scopeID[len(parent)] == '/'
}

func messagePayload(envelope map[string]interface{}) interface{} {
	if p, ok := envelope["payload"]; ok {
		return p
	}
	return envelope
}
