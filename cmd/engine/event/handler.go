// Package event executes BPMN event nodes: start and end events,
// intermediate catches and throws, boundary event watchers and event
// subprocess triggers. Waiting events park their token in WAITING state
// and block on the state store, so a watcher and the activity it guards
// race through token CAS: whoever transitions the token first wins.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/expression"
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

// Handler executes event nodes
type Handler struct {
	state  *state.Manager
	tokens *token.Manager
	eval   *expression.Evaluator
	logger Logger
}

// Opts configures the event handler
type Opts struct {
	State     *state.Manager
	Tokens    *token.Manager
	Evaluator *expression.Evaluator
	Logger    Logger
}

// NewHandler creates an event handler
func NewHandler(opts Opts) *Handler {
	return &Handler{
		state:  opts.State,
		tokens: opts.Tokens,
		eval:   opts.Evaluator,
		logger: opts.Logger,
	}
}

// ExecuteStart advances a token resting on a start event along its
// outgoing flow.
func (h *Handler) ExecuteStart(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) (*sdk.Token, error) {
	return h.advance(ctx, g, tok, node, tok.Data)
}

// ExecuteEnd completes a token at an end event. Error end events consume
// the token and surface a process error for boundary escalation; signal
// end events broadcast before completing.
func (h *Handler) ExecuteEnd(ctx context.Context, tok *sdk.Token, node *bpmn.Node) error {
	switch node.Event {
	case bpmn.EventError:
		if err := h.tokens.ConsumeToken(ctx, tok); err != nil {
			return err
		}
		return &sdk.ProcessError{
			ErrorCode: node.ErrorCode,
			Message:   "error end event reached",
			NodeID:    node.ID,
			Data:      sdk.CopyData(tok.Data),
		}

	case bpmn.EventSignal:
		if _, err := h.throwSignal(ctx, node, tok.Data); err != nil {
			return err
		}
	}

	if err := h.tokens.UpdateState(ctx, tok, sdk.TokenCompleted); err != nil {
		return err
	}
	return h.tokens.ConsumeToken(ctx, tok)
}

// ExecuteIntermediate executes an intermediate catch or throw event and
// returns the successor token. Compensation throws return a token in
// COMPENSATION state resting on the throw node; the caller runs the
// compensation and advances it afterwards.
func (h *Handler) ExecuteIntermediate(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) (*sdk.Token, error) {
	if node.Throwing {
		return h.executeThrow(ctx, g, tok, node)
	}

	switch node.Event {
	case bpmn.EventTimer:
		return h.waitTimer(ctx, g, tok, node)
	case bpmn.EventMessage:
		return h.waitMessage(ctx, g, tok, node)
	case bpmn.EventSignal:
		return h.waitSignal(ctx, g, tok, node)
	default:
		return h.advance(ctx, g, tok, node, tok.Data)
	}
}

func (h *Handler) executeThrow(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) (*sdk.Token, error) {
	switch node.Event {
	case bpmn.EventSignal:
		if _, err := h.throwSignal(ctx, node, tok.Data); err != nil {
			return nil, err
		}
		return h.advance(ctx, g, tok, node, tok.Data)

	case bpmn.EventError:
		if err := h.tokens.ConsumeToken(ctx, tok); err != nil {
			return nil, err
		}
		return nil, &sdk.ProcessError{
			ErrorCode: node.ErrorCode,
			Message:   "error thrown",
			NodeID:    node.ID,
			Data:      sdk.CopyData(tok.Data),
		}

	case bpmn.EventCompensation:
		data := sdk.CopyData(tok.Data)
		if data == nil {
			data = make(map[string]interface{})
		}
		data["compensate_activity_id"] = node.CompensateActivityRef
		data["compensate_scope_id"] = tok.ScopeID
		if err := h.tokens.ConsumeToken(ctx, tok); err != nil {
			return nil, err
		}
		return h.tokens.SpawnToken(ctx, tok.InstanceID, node.ID, tok.ScopeID, sdk.TokenCompensation, data)

	default:
		return h.advance(ctx, g, tok, node, tok.Data)
	}
}

func (h *Handler) throwSignal(ctx context.Context, node *bpmn.Node, data map[string]interface{}) (int, error) {
	payload := interface{}(map[string]interface{}{})
	if data != nil {
		payload = sdk.CopyData(data)
	}
	return h.state.BroadcastSignal(ctx, node.SignalName, map[string]interface{}{
		"payload": payload,
		"source":  node.ID,
	})
}

// waitTimer parks the token in WAITING state, sleeps until the schedule
// fires (all repetitions for cycle timers) and advances. The durable
// timer record mirrors the in-process wait so the scheduler can recover
// it after a crash.
func (h *Handler) waitTimer(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) (*sdk.Token, error) {
	now := time.Now().UTC()
	sched, err := ResolveTimer(node.Timer, now)
	if err != nil {
		return nil, attribute(err, node.ID, tok.InstanceID)
	}

	ts := &sdk.TimerState{
		TimerID:    node.ID,
		InstanceID: tok.InstanceID,
		NodeID:     node.ID,
		TimerType:  node.Timer.Type,
		Definition: node.Timer.Value,
		StartTime:  now,
		EndTime:    sched.FireAt,
		Remaining:  sched.Repetitions,
		TokenData:  tok.Data,
	}
	if err := h.state.SaveTimerState(ctx, ts); err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.state.DeleteTimerState(cleanupCtx, tok.InstanceID, node.ID); err != nil {
			h.logger.Error("timer cleanup failed",
				"instance_id", tok.InstanceID, "timer_id", node.ID, "error", err)
		}
	}()

	if err := h.tokens.UpdateState(ctx, tok, sdk.TokenWaiting); err != nil {
		return nil, err
	}

	fireAt := sched.FireAt
	for rep := sched.Repetitions; rep > 0; rep-- {
		if err := sleepUntil(ctx, fireAt); err != nil {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if casErr := h.tokens.UpdateState(cancelCtx, tok, sdk.TokenCancelled); casErr != nil {
				h.logger.Warn("timer token cancel failed",
					"instance_id", tok.InstanceID, "node_id", node.ID, "error", casErr)
			}
			cancel()
			return nil, err
		}
		h.logger.Debug("timer fired",
			"instance_id", tok.InstanceID, "node_id", node.ID, "remaining", rep-1)
		if rep > 1 {
			fireAt = fireAt.Add(sched.Interval)
			ts.EndTime = fireAt
			ts.Remaining = rep - 1
			if err := h.state.SaveTimerState(ctx, ts); err != nil {
				h.logger.Warn("timer reschedule failed",
					"instance_id", tok.InstanceID, "timer_id", node.ID, "error", err)
			}
		}
	}

	return h.advance(ctx, g, tok, node, tok.Data)
}

// waitMessage blocks on the subscription inbox until a matching message
// arrives, then advances with the payload under message_payload.
func (h *Handler) waitMessage(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) (*sdk.Token, error) {
	correlation, err := h.resolveCorrelation(ctx, tok, node)
	if err != nil {
		return nil, err
	}
	timeout, err := ParseWaitTimeout(node.Timeout)
	if err != nil {
		return nil, attribute(err, node.ID, tok.InstanceID)
	}

	if err := h.tokens.UpdateState(ctx, tok, sdk.TokenWaiting); err != nil {
		return nil, err
	}

	envelope, err := h.state.WaitForMessage(ctx, node.MessageName, correlation, tok.InstanceID, node.ID, timeout)
	if err != nil {
		if sdk.IsCode(err, sdk.CodeMessageTimeout) {
			failCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if casErr := h.tokens.UpdateState(failCtx, tok, sdk.TokenError); casErr != nil {
				h.logger.Warn("message token error transition failed",
					"instance_id", tok.InstanceID, "node_id", node.ID, "error", casErr)
			}
			cancel()
		}
		return nil, err
	}

	data := sdk.CopyData(tok.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	data["message_payload"] = envelopePayload(envelope)
	return h.advance(ctx, g, tok, node, data)
}

// waitSignal blocks until the signal is broadcast, then advances with
// the payload under signal_payload.
func (h *Handler) waitSignal(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) (*sdk.Token, error) {
	timeout, err := ParseWaitTimeout(node.Timeout)
	if err != nil {
		return nil, attribute(err, node.ID, tok.InstanceID)
	}

	if err := h.tokens.UpdateState(ctx, tok, sdk.TokenWaiting); err != nil {
		return nil, err
	}

	envelope, err := h.state.WaitForSignal(ctx, node.SignalName, tok.InstanceID, node.ID, timeout)
	if err != nil {
		return nil, err
	}

	data := sdk.CopyData(tok.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	data["signal_payload"] = envelopePayload(envelope)
	return h.advance(ctx, g, tok, node, data)
}

// resolveCorrelation evaluates the correlation key expression against
// the token's variable context.
func (h *Handler) resolveCorrelation(ctx context.Context, tok *sdk.Token, node *bpmn.Node) (string, error) {
	if node.CorrelationKey == "" {
		return "", nil
	}
	vars, err := h.variableContext(ctx, tok)
	if err != nil {
		return "", err
	}
	val, err := h.eval.Evaluate(node.CorrelationKey, vars)
	if err != nil {
		return "", attribute(err, node.ID, tok.InstanceID)
	}
	if val == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", val), nil
}

func (h *Handler) variableContext(ctx context.Context, tok *sdk.Token) (map[string]interface{}, error) {
	vars, err := h.state.DecodedVariables(ctx, tok.InstanceID, tok.ScopeID)
	if err != nil {
		return nil, err
	}
	for k, v := range tok.Data {
		vars[k] = v
	}
	return vars, nil
}

// advance moves the token along the node's first outgoing flow
func (h *Handler) advance(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node, data map[string]interface{}) (*sdk.Token, error) {
	flows := g.FlowsFrom(node)
	if len(flows) == 0 {
		return nil, sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"event %q has no outgoing flow", node.ID).WithInstance(tok.InstanceID)
	}
	target := token.Target{NodeID: flows[0].TargetRef, ScopeID: tok.ScopeID, FlowID: flows[0].ID}
	return h.tokens.MoveTokenWithData(ctx, tok, target, data)
}

// envelopePayload unwraps the payload key of a delivery envelope; bare
// payloads pass through whole.
func envelopePayload(envelope map[string]interface{}) interface{} {
	if p, ok := envelope["payload"]; ok {
		return p
	}
	return envelope
}

func attribute(err error, nodeID, instanceID string) error {
	var engineErr *sdk.Error
	if e, ok := err.(*sdk.Error); ok {
		engineErr = e
	} else {
		return err
	}
	return engineErr.WithNode(nodeID).WithInstance(instanceID)
}

func sleepUntil(ctx context.Context, at time.Time) error {
	t := time.NewTimer(time.Until(at))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RegisterCompensation records the compensation handlers of a completed
// activity. Call after the activity finishes successfully; the handler
// snapshot carries the activity's token data for the undo step.
func (h *Handler) RegisterCompensation(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) error {
	for _, be := range g.Boundaries(node.ID) {
		if be.Event != bpmn.EventCompensation || be.CompensationHandler == "" {
			continue
		}
		var order *int
		if handlerNode := g.Node(be.CompensationHandler); handlerNode != nil {
			order = handlerNode.ExecutionOrder
		}
		reg := &sdk.CompensationHandler{
			InstanceID:     tok.InstanceID,
			ActivityID:     node.ID,
			HandlerID:      be.CompensationHandler,
			ScopeID:        tok.ScopeID,
			ExecutionOrder: order,
			ActivityData:   sdk.CopyData(tok.Data),
		}
		if err := h.state.StoreCompensationHandler(ctx, reg); err != nil {
			return err
		}
	}
	return nil
}

// WatchBoundaries starts watcher goroutines for the timer, message and
// signal boundary events attached to an activity. The returned stop
// function cancels the watchers and blocks until they exit; the caller
// runs it when the activity completes. Error and compensation boundaries
// are passive and need no watcher.
//
// An interrupting boundary that fires races the activity's own
// completion through CAS on the activity token: the watcher cancels the
// token, and a loser backs off silently.
func (h *Handler) WatchBoundaries(ctx context.Context, g *bpmn.ProcessGraph, activityToken *sdk.Token, node *bpmn.Node, emit func(*sdk.Token)) (stop func()) {
	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for _, be := range g.Boundaries(node.ID) {
		be := be
		snapshot := activityToken.Clone()
		switch be.Event {
		case bpmn.EventTimer:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.watchBoundaryTimer(watchCtx, cancel, snapshot, be, emit)
			}()
		case bpmn.EventMessage:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.watchBoundaryMessage(watchCtx, cancel, snapshot, be, emit)
			}()
		case bpmn.EventSignal:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.watchBoundarySignal(watchCtx, cancel, snapshot, be, emit)
			}()
		}
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

func (h *Handler) watchBoundaryTimer(ctx context.Context, cancelAll context.CancelFunc, activityToken *sdk.Token, be *bpmn.Node, emit func(*sdk.Token)) {
	now := time.Now().UTC()
	sched, err := ResolveTimer(be.Timer, now)
	if err != nil {
		h.logger.Error("boundary timer resolution failed",
			"instance_id", activityToken.InstanceID, "node_id", be.ID, "error", err)
		return
	}

	ts := &sdk.TimerState{
		TimerID:      be.ID,
		InstanceID:   activityToken.InstanceID,
		NodeID:       be.ID,
		TimerType:    be.Timer.Type,
		Definition:   be.Timer.Value,
		StartTime:    now,
		EndTime:      sched.FireAt,
		Remaining:    sched.Repetitions,
		TokenData:    activityToken.Data,
		ActivityID:   be.AttachedTo,
		Interrupting: be.CancelActivity,
	}
	if err := h.state.SaveTimerState(ctx, ts); err != nil {
		h.logger.Error("boundary timer persist failed",
			"instance_id", activityToken.InstanceID, "timer_id", be.ID, "error", err)
		return
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.state.DeleteTimerState(cleanupCtx, activityToken.InstanceID, be.ID); err != nil {
			h.logger.Error("boundary timer cleanup failed",
				"instance_id", activityToken.InstanceID, "timer_id", be.ID, "error", err)
		}
	}()

	fireAt := sched.FireAt
	for rep := sched.Repetitions; rep > 0; rep-- {
		if err := sleepUntil(ctx, fireAt); err != nil {
			// activity completed first
			return
		}
		fired := h.fireBoundary(ctx, cancelAll, activityToken, be, emit, nil)
		if be.CancelActivity || !fired {
			return
		}
		if rep > 1 {
			fireAt = fireAt.Add(sched.Interval)
			ts.EndTime = fireAt
			ts.Remaining = rep - 1
			if err := h.state.SaveTimerState(ctx, ts); err != nil {
				h.logger.Warn("boundary timer reschedule failed",
					"instance_id", activityToken.InstanceID, "timer_id", be.ID, "error", err)
			}
		}
	}
}

func (h *Handler) watchBoundaryMessage(ctx context.Context, cancelAll context.CancelFunc, activityToken *sdk.Token, be *bpmn.Node, emit func(*sdk.Token)) {
	correlation, err := h.resolveCorrelation(ctx, activityToken, be)
	if err != nil {
		h.logger.Error("boundary message correlation failed",
			"instance_id", activityToken.InstanceID, "node_id", be.ID, "error", err)
		return
	}
	timeout, err := ParseWaitTimeout(be.Timeout)
	if err != nil {
		h.logger.Error("boundary message timeout invalid",
			"instance_id", activityToken.InstanceID, "node_id", be.ID, "error", err)
		return
	}

	for {
		envelope, err := h.state.WaitForMessage(ctx, be.MessageName, correlation,
			activityToken.InstanceID, be.ID, timeout)
		if err != nil {
			if ctx.Err() == nil && !sdk.IsCode(err, sdk.CodeMessageTimeout) {
				h.logger.Error("boundary message wait failed",
					"instance_id", activityToken.InstanceID, "node_id", be.ID, "error", err)
			}
			return
		}
		extra := map[string]interface{}{"message_payload": envelopePayload(envelope)}
		fired := h.fireBoundary(ctx, cancelAll, activityToken, be, emit, extra)
		if be.CancelActivity || !fired {
			return
		}
	}
}

func (h *Handler) watchBoundarySignal(ctx context.Context, cancelAll context.CancelFunc, activityToken *sdk.Token, be *bpmn.Node, emit func(*sdk.Token)) {
	for {
		envelope, err := h.state.WaitForSignal(ctx, be.SignalName,
			activityToken.InstanceID, be.ID, 0)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Error("boundary signal wait failed",
					"instance_id", activityToken.InstanceID, "node_id", be.ID, "error", err)
			}
			return
		}
		extra := map[string]interface{}{"signal_payload": envelopePayload(envelope)}
		fired := h.fireBoundary(ctx, cancelAll, activityToken, be, emit, extra)
		if be.CancelActivity || !fired {
			return
		}
	}
}

// fireBoundary emits a token at the boundary event. Interrupting
// boundaries first CAS-cancel the activity token; losing that CAS means
// the activity completed and the firing is discarded. The decisive
// sequence runs on a cancellation-free context so a concurrent stop
// cannot strand a half-fired boundary.
func (h *Handler) fireBoundary(ctx context.Context, cancelAll context.CancelFunc, activityToken *sdk.Token, be *bpmn.Node, emit func(*sdk.Token), extra map[string]interface{}) bool {
	fireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if be.CancelActivity {
		victim := activityToken.Clone()
		if err := h.tokens.UpdateState(fireCtx, victim, sdk.TokenCancelled); err != nil {
			if sdk.IsCode(err, sdk.CodeTokenState) {
				return false
			}
			h.logger.Error("boundary interrupt failed",
				"instance_id", activityToken.InstanceID, "node_id", be.ID, "error", err)
			return false
		}
		if err := h.tokens.ConsumeToken(fireCtx, victim); err != nil {
			h.logger.Warn("cancelled token consume failed",
				"instance_id", activityToken.InstanceID, "node_id", be.AttachedTo, "error", err)
		}
	}

	data := sdk.CopyData(activityToken.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	for k, v := range extra {
		data[k] = v
	}

	tok, err := h.tokens.EmitToken(fireCtx, activityToken.InstanceID,
		token.Target{NodeID: be.ID, ScopeID: activityToken.ScopeID}, data)
	if err != nil {
		h.logger.Error("boundary token emit failed",
			"instance_id", activityToken.InstanceID, "node_id", be.ID, "error", err)
		return false
	}

	h.logger.Info("boundary event fired",
		"instance_id", activityToken.InstanceID,
		"node_id", be.ID,
		"activity_id", be.AttachedTo,
		"interrupting", be.CancelActivity,
	)

	if be.CancelActivity {
		// stop sibling watchers after the emission is durable
		cancelAll()
	}
	emit(tok)
	return true
}
