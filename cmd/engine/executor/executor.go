// Package executor drives process instances: one goroutine per live
// token, stepping it through the graph until the instance completes,
// fails, or the context is cancelled. All cross-token coordination goes
// through the state store's CAS, so a step that loses a race simply
// abandons its token.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/event"
	"github.com/fluxline/bpmn-engine/cmd/engine/expression"
	"github.com/fluxline/bpmn-engine/cmd/engine/gateway"
	"github.com/fluxline/bpmn-engine/cmd/engine/registry"
	"github.com/fluxline/bpmn-engine/cmd/engine/saga"
	"github.com/fluxline/bpmn-engine/cmd/engine/script"
	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/cmd/engine/subprocess"
	"github.com/fluxline/bpmn-engine/cmd/engine/token"
	"github.com/fluxline/bpmn-engine/common/metrics"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Executor runs process instances to completion
type Executor struct {
	state    *state.Manager
	tokens   *token.Manager
	events   *event.Handler
	gateways *gateway.Handler
	scopes   *subprocess.Manager
	scripts  *script.Executor
	registry *registry.Registry
	eval     *expression.Evaluator
	metrics  *metrics.Engine
	logger   Logger
}

// Opts configures the executor. Metrics may be nil.
type Opts struct {
	State    *state.Manager
	Tokens   *token.Manager
	Events   *event.Handler
	Gateways *gateway.Handler
	Scopes   *subprocess.Manager
	Scripts  *script.Executor
	Registry *registry.Registry
	Eval     *expression.Evaluator
	Metrics  *metrics.Engine
	Logger   Logger
}

// New creates an executor
func New(opts Opts) *Executor {
	return &Executor{
		state:    opts.State,
		tokens:   opts.Tokens,
		events:   opts.Events,
		gateways: opts.Gateways,
		scopes:   opts.Scopes,
		scripts:  opts.Scripts,
		registry: opts.Registry,
		eval:     opts.Eval,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// run is the per-instance execution state
type run struct {
	e          *Executor
	g          *bpmn.ProcessGraph
	instanceID string
	comp       *saga.Compensator

	// mu guards the fields below. inflight counts live step
	// goroutines; watchers may spawn new ones at any time, including
	// while the drain loop waits, so the counter is a condition
	// variable rather than a WaitGroup.
	mu         sync.Mutex
	cond       *sync.Cond
	inflight   int
	out        map[string]interface{}
	failure    error
	scopeStops map[string]func()

	cancel context.CancelFunc
}

// Run executes an instance until no live tokens remain. A fresh
// instance starts at the root start event with the input planted as
// root-scope variables; an instance with surviving fast-store tokens
// resumes them instead. Returns the merged data of the tokens that
// reached root end events.
func (e *Executor) Run(ctx context.Context, g *bpmn.ProcessGraph, instanceID string, input map[string]interface{}) (map[string]interface{}, error) {
	if err := bpmn.Validate(g); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		e:          e,
		g:          g,
		instanceID: instanceID,
		out:        make(map[string]interface{}),
		scopeStops: make(map[string]func()),
		cancel:     cancel,
	}
	r.cond = sync.NewCond(&r.mu)
	r.comp = saga.NewCompensator(saga.Opts{
		State:  e.state,
		Logger: e.logger,
		Run: func(ctx context.Context, handlerID, scopeID string, data map[string]interface{}) error {
			return e.runHandlerActivity(ctx, g, instanceID, handlerID, scopeID, data)
		},
	})

	stopRoot := e.events.WatchEventSubprocesses(runCtx, g, instanceID, "", "", input, func(tok *sdk.Token) {
		r.spawn(runCtx, tok)
	})
	defer stopRoot()

	existing, err := e.state.GetTokenPositions(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		start := g.StartEvent()
		if start == nil {
			return nil, sdk.NewError(sdk.CodeProcessGraphInvalid, "process has no start event").
				WithInstance(instanceID)
		}
		for name, value := range input {
			if err := e.state.SetVariable(ctx, instanceID, "", name, sdk.NewVariable(value)); err != nil {
				return nil, err
			}
		}
		tok, err := e.tokens.CreateInitialToken(ctx, instanceID, start.ID, input)
		if err != nil {
			return nil, err
		}
		r.spawn(runCtx, tok)
	} else {
		for _, tok := range existing {
			switch tok.State {
			case sdk.TokenActive, sdk.TokenWaiting, sdk.TokenCompensation:
				r.spawn(runCtx, tok)
			}
		}
	}

	// late emissions (boundary or event subprocess triggers) land as
	// fresh tokens; pick them up until the instance truly drains
	for {
		r.waitIdle()
		if r.err() != nil || runCtx.Err() != nil {
			break
		}
		remaining, err := e.state.GetTokenPositions(ctx, instanceID)
		if err != nil {
			r.fail(err)
			break
		}
		resumed := false
		for _, tok := range remaining {
			if tok.State == sdk.TokenActive || tok.State == sdk.TokenCompensation {
				r.spawn(runCtx, tok)
				resumed = true
			}
		}
		if !resumed {
			break
		}
	}

	r.stopAllScopeWatches()

	if err := r.err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.out, nil
}

func (r *run) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) recordCompletion(data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range data {
		r.out[k] = v
	}
}

func (r *run) setScopeWatch(scopePath string, stop func()) {
	r.mu.Lock()
	r.scopeStops[scopePath] = stop
	r.mu.Unlock()
}

func (r *run) stopScopeWatch(scopePath string) {
	r.mu.Lock()
	stop := r.scopeStops[scopePath]
	delete(r.scopeStops, scopePath)
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (r *run) stopAllScopeWatches() {
	r.mu.Lock()
	stops := make([]func(), 0, len(r.scopeStops))
	for _, stop := range r.scopeStops {
		stops = append(stops, stop)
	}
	r.scopeStops = make(map[string]func())
	r.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (r *run) spawn(ctx context.Context, tok *sdk.Token) {
	r.mu.Lock()
	r.inflight++
	r.mu.Unlock()
	if r.e.metrics != nil {
		r.e.metrics.ActiveTokens.Inc()
	}
	go func() {
		defer r.stepDone()
		defer func() {
			if r.e.metrics != nil {
				r.e.metrics.ActiveTokens.Dec()
			}
		}()
		r.step(ctx, tok)
	}()
}

func (r *run) stepDone() {
	r.mu.Lock()
	r.inflight--
	if r.inflight == 0 {
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

// waitIdle blocks until no step goroutine is running. The instance is
// not necessarily done: the drain loop re-checks the token store for
// late emissions afterwards.
func (r *run) waitIdle() {
	r.mu.Lock()
	for r.inflight > 0 {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

// step executes one token at its current node and spawns successors
func (r *run) step(ctx context.Context, tok *sdk.Token) {
	if ctx.Err() != nil {
		return
	}
	node := r.g.Node(tok.NodeID)
	if node == nil {
		r.fail(sdk.Errorf(sdk.CodeProcessGraphInvalid, "token rests on unknown node %q", tok.NodeID).
			WithInstance(r.instanceID))
		return
	}

	if tok.State == sdk.TokenCompensation {
		r.compensationThrow(ctx, tok, node)
		return
	}

	var successors []*sdk.Token
	var err error

	switch node.Type {
	case bpmn.NodeStartEvent:
		var next *sdk.Token
		next, err = r.e.events.ExecuteStart(ctx, r.g, tok, node)
		successors = collect(next)

	case bpmn.NodeEndEvent:
		r.endEvent(ctx, tok, node)
		return

	case bpmn.NodeIntermediateEvent:
		var next *sdk.Token
		next, err = r.e.events.ExecuteIntermediate(ctx, r.g, tok, node)
		successors = collect(next)

	case bpmn.NodeBoundaryEvent:
		// a fired boundary token just continues along its flow
		var next *sdk.Token
		next, err = r.e.advance(ctx, r.g, tok, node, tok.Data)
		successors = collect(next)

	case bpmn.NodeExclusiveGateway, bpmn.NodeInclusiveGateway, bpmn.NodeParallelGateway:
		successors, err = r.e.gateways.Execute(ctx, r.g, tok, node)

	case bpmn.NodeTask, bpmn.NodeScriptTask, bpmn.NodeServiceTask:
		successors, err = r.runActivity(ctx, tok, node)

	case bpmn.NodeSubprocess, bpmn.NodeTransaction:
		successors, err = r.enterScope(ctx, tok, node)

	default:
		err = sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"token cannot rest on node %q of type %s", node.ID, node.Type)
	}

	if err != nil {
		r.handleStepError(ctx, tok, node, err)
		return
	}
	for _, s := range successors {
		r.spawn(ctx, s)
	}
}

func collect(tok *sdk.Token) []*sdk.Token {
	if tok == nil {
		return nil
	}
	return []*sdk.Token{tok}
}

// handleStepError routes a failed step: lost CAS races and shutdown are
// silent, everything else escalates to error handlers.
func (r *run) handleStepError(ctx context.Context, tok *sdk.Token, node *bpmn.Node, err error) {
	if ctx.Err() != nil {
		return
	}
	if sdk.IsCode(err, sdk.CodeTokenState) {
		r.e.logger.Debug("token superseded",
			"instance_id", r.instanceID, "node_id", node.ID, "error", err)
		return
	}
	r.escalate(ctx, tok, node, err)
}

func (r *run) endEvent(ctx context.Context, tok *sdk.Token, node *bpmn.Node) {
	if tok.ScopeID == "" {
		if err := r.e.events.ExecuteEnd(ctx, tok, node); err != nil {
			r.handleStepError(ctx, tok, node, err)
			return
		}
		r.recordCompletion(tok.Data)
		return
	}

	scopeNode := r.g.Node(subprocess.ScopeNodeID(tok.ScopeID))
	switch {
	case node.Event == bpmn.EventCancel && scopeNode != nil && scopeNode.Type == bpmn.NodeTransaction:
		r.cancelTransaction(ctx, tok)
		return
	case node.Event == bpmn.EventError:
		if err := r.e.tokens.ConsumeToken(ctx, tok); err != nil && !sdk.IsCode(err, sdk.CodeTokenState) {
			r.fail(err)
			return
		}
		r.escalate(ctx, tok, node, &sdk.ProcessError{
			ErrorCode: node.ErrorCode,
			Message:   "error end event reached",
			NodeID:    node.ID,
			Data:      sdk.CopyData(tok.Data),
		})
		return
	}

	r.stopScopeWatch(tok.ScopeID)
	next, err := r.e.scopes.Complete(ctx, r.g, tok)
	if err != nil {
		r.handleStepError(ctx, tok, node, err)
		return
	}
	if next != nil {
		r.spawn(ctx, next)
	}
}

// enterScope pushes the token into a subprocess or transaction and
// arms the scope's event subprocess and boundary watchers.
func (r *run) enterScope(ctx context.Context, tok *sdk.Token, node *bpmn.Node) ([]*sdk.Token, error) {
	parentScope := tok.ScopeID
	next, err := r.e.scopes.Enter(ctx, r.g, tok, node)
	if err != nil {
		return nil, err
	}
	childScope := next.ScopeID

	scopeCtx, cancelScope := context.WithCancel(ctx)
	stopEsp := r.e.events.WatchEventSubprocesses(scopeCtx, r.g, r.instanceID, node.ID, childScope, next.Data,
		func(t *sdk.Token) { r.spawn(ctx, t) })
	var bwg sync.WaitGroup
	r.watchScopeBoundaries(scopeCtx, &bwg, node, childScope, parentScope, next.Data)
	r.setScopeWatch(childScope, func() {
		cancelScope()
		stopEsp()
		bwg.Wait()
	})

	return collect(next), nil
}

// advance moves a token along its node's first outgoing flow
func (e *Executor) advance(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node, data map[string]interface{}) (*sdk.Token, error) {
	flows := g.FlowsFrom(node)
	if len(flows) == 0 {
		return nil, sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"node %q has no outgoing flow", node.ID).WithInstance(tok.InstanceID)
	}
	return e.tokens.MoveTokenWithData(ctx, tok,
		token.Target{NodeID: flows[0].TargetRef, ScopeID: tok.ScopeID, FlowID: flows[0].ID}, data)
}

// compensationThrow runs the handlers requested by an explicit
// compensation throw, then resumes the flow behind it.
func (r *run) compensationThrow(ctx context.Context, tok *sdk.Token, node *bpmn.Node) {
	activityRef, _ := tok.Data["compensate_activity_id"].(string)

	ran, err := r.comp.Compensate(ctx, r.g, r.instanceID, tok.ScopeID, activityRef)
	if err != nil {
		r.handleStepError(ctx, tok, node, err)
		return
	}
	if r.e.metrics != nil {
		r.e.metrics.Compensations.Add(float64(ran))
	}

	data := sdk.CopyData(tok.Data)
	delete(data, "compensate_activity_id")
	delete(data, "compensate_scope_id")

	if err := r.e.tokens.UpdateState(ctx, tok, sdk.TokenActive); err != nil {
		r.handleStepError(ctx, tok, node, err)
		return
	}
	next, err := r.e.advance(ctx, r.g, tok, node, data)
	if err != nil {
		r.handleStepError(ctx, tok, node, err)
		return
	}
	r.spawn(ctx, next)
}

// cancelTransaction compensates and tears down a transaction scope,
// then resumes at its cancel boundary event when one exists.
func (r *run) cancelTransaction(ctx context.Context, tok *sdk.Token) {
	scopePath := tok.ScopeID
	txNode := r.g.Node(subprocess.ScopeNodeID(scopePath))

	ran, err := r.comp.Compensate(ctx, r.g, r.instanceID, scopePath, "")
	if err != nil {
		r.handleStepError(ctx, tok, txNode, err)
		return
	}
	if r.e.metrics != nil {
		r.e.metrics.Compensations.Add(float64(ran))
	}

	r.stopScopeWatch(scopePath)
	if err := r.e.scopes.CancelScope(ctx, r.instanceID, scopePath); err != nil {
		r.fail(err)
		return
	}

	r.e.logger.Info("transaction cancelled",
		"instance_id", r.instanceID, "transaction_id", txNode.ID)

	for _, be := range r.g.Boundaries(txNode.ID) {
		if be.Event != bpmn.EventCancel {
			continue
		}
		next, err := r.e.tokens.EmitToken(ctx, r.instanceID,
			token.Target{NodeID: be.ID, ScopeID: subprocess.ParentPath(scopePath)}, tok.Data)
		if err != nil {
			r.fail(err)
			return
		}
		r.spawn(ctx, next)
		return
	}
	r.e.logger.Warn("cancelled transaction has no cancel boundary",
		"instance_id", r.instanceID, "transaction_id", txNode.ID)
}

// runHandlerActivity executes a compensation handler activity against
// the snapshot taken when the compensated activity completed.
func (e *Executor) runHandlerActivity(ctx context.Context, g *bpmn.ProcessGraph, instanceID, handlerID, scopeID string, data map[string]interface{}) error {
	node := g.Node(handlerID)
	if node == nil {
		return sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"compensation handler %q not in graph", handlerID).WithInstance(instanceID)
	}

	switch node.Type {
	case bpmn.NodeScriptTask:
		vars, err := e.state.DecodedVariables(ctx, instanceID, scopeID)
		if err != nil {
			return err
		}
		for k, v := range data {
			vars[k] = v
		}
		res, err := e.scripts.Execute(ctx, node.Script, vars)
		if err != nil {
			return err
		}
		for k, v := range res.SetVariables {
			if err := e.state.SetVariable(ctx, instanceID, scopeID, k, sdk.NewVariable(v)); err != nil {
				return err
			}
		}
		return nil

	case bpmn.NodeServiceTask:
		_, err := e.registry.Execute(ctx, node.ServiceTaskName, node.Properties, data)
		return err

	default:
		return fmt.Errorf("compensation handler %s has unsupported type %s", handlerID, node.Type)
	}
}
