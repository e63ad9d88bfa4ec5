// Package gateway implements exclusive, inclusive and parallel gateway
// semantics, including the parallel join's arrival bookkeeping and
// deterministic data merge.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

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

// Handler routes tokens through gateways
type Handler struct {
	state     *state.Manager
	tokens    *token.Manager
	evaluator *expression.Evaluator
	logger    Logger
}

// Opts configures the gateway handler
type Opts struct {
	State     *state.Manager
	Tokens    *token.Manager
	Evaluator *expression.Evaluator
	Logger    Logger
}

// NewHandler creates a gateway handler
func NewHandler(opts Opts) *Handler {
	return &Handler{
		state:     opts.State,
		tokens:    opts.Tokens,
		evaluator: opts.Evaluator,
		logger:    opts.Logger,
	}
}

// Execute dispatches on the gateway type and returns the successor
// tokens. A parallel join that is still waiting returns no successors.
func (h *Handler) Execute(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) ([]*sdk.Token, error) {
	switch node.Type {
	case bpmn.NodeExclusiveGateway:
		return h.exclusive(ctx, g, tok, node)
	case bpmn.NodeInclusiveGateway:
		return h.inclusive(ctx, g, tok, node)
	case bpmn.NodeParallelGateway:
		if len(node.Incoming) > 1 {
			return h.parallelJoin(ctx, g, tok, node)
		}
		return h.parallelSplit(ctx, g, tok, node)
	}
	return nil, fmt.Errorf("node %s is not a gateway", node.ID)
}

// conditionMatches evaluates a flow condition; a null result counts as
// a non-match rather than an error.
func (h *Handler) conditionMatches(condition string, vars map[string]interface{}) (bool, error) {
	v, err := h.evaluator.Evaluate(condition, vars)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	}
	return false, sdk.Errorf(sdk.CodeExprEval, "condition %q did not evaluate to a boolean", condition)
}

// context builds the evaluation scope: instance variables overlaid with
// the token's own data.
func (h *Handler) context(ctx context.Context, tok *sdk.Token) (map[string]interface{}, error) {
	vars, err := h.state.DecodedVariables(ctx, tok.InstanceID, tok.ScopeID)
	if err != nil {
		return nil, err
	}
	for k, v := range tok.Data {
		vars[k] = v
	}
	return vars, nil
}

// defaultFlow picks the gateway's default: the explicitly marked flow,
// else the first unconditional flow.
func defaultFlow(g *bpmn.ProcessGraph, node *bpmn.Node) *bpmn.Flow {
	if node.DefaultFlow != "" {
		return g.Flow(node.DefaultFlow)
	}
	for _, f := range g.FlowsFrom(node) {
		if f.Condition == "" {
			return f
		}
	}
	return nil
}

// exclusive takes the first flow whose condition matches, in definition
// order, falling back to the default flow.
func (h *Handler) exclusive(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) ([]*sdk.Token, error) {
	vars, err := h.context(ctx, tok)
	if err != nil {
		return nil, err
	}

	def := defaultFlow(g, node)
	for _, f := range g.FlowsFrom(node) {
		if def != nil && f.ID == def.ID {
			continue
		}
		if f.Condition == "" {
			continue
		}
		match, err := h.conditionMatches(f.Condition, vars)
		if err != nil {
			return nil, err
		}
		if match {
			return h.follow(ctx, tok, f)
		}
	}

	if def != nil {
		return h.follow(ctx, tok, def)
	}
	return nil, sdk.Errorf(sdk.CodeGatewayNoPath,
		"no outgoing flow of gateway %q matched", node.ID).
		WithNode(node.ID).WithInstance(tok.InstanceID)
}

// inclusive takes every flow whose condition matches; when none match
// it takes the default flow.
func (h *Handler) inclusive(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) ([]*sdk.Token, error) {
	vars, err := h.context(ctx, tok)
	if err != nil {
		return nil, err
	}

	def := defaultFlow(g, node)
	var matched []*bpmn.Flow
	for _, f := range g.FlowsFrom(node) {
		if def != nil && f.ID == def.ID {
			continue
		}
		if f.Condition == "" {
			continue
		}
		match, err := h.conditionMatches(f.Condition, vars)
		if err != nil {
			return nil, err
		}
		if match {
			matched = append(matched, f)
		}
	}

	if len(matched) == 0 {
		if def == nil {
			return nil, sdk.Errorf(sdk.CodeGatewayNoPath,
				"no outgoing flow of gateway %q matched and no default exists", node.ID).
				WithNode(node.ID).WithInstance(tok.InstanceID)
		}
		return h.follow(ctx, tok, def)
	}
	if len(matched) == 1 {
		return h.follow(ctx, tok, matched[0])
	}

	targets := make([]token.Target, 0, len(matched))
	for _, f := range matched {
		targets = append(targets, token.SameScope(tok, f.TargetRef, f.ID))
	}
	return h.tokens.SplitToken(ctx, tok, targets)
}

// parallelSplit takes all outgoing flows unconditionally
func (h *Handler) parallelSplit(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) ([]*sdk.Token, error) {
	flows := g.FlowsFrom(node)
	targets := make([]token.Target, 0, len(flows))
	for _, f := range flows {
		targets = append(targets, token.SameScope(tok, f.TargetRef, f.ID))
	}
	h.logger.Debug("parallel split",
		"instance_id", tok.InstanceID, "gateway_id", node.ID, "branches", len(targets))
	return h.tokens.SplitToken(ctx, tok, targets)
}

// parallelJoin records the arrival and, when the last registered path
// has arrived, emits exactly one merged token. The arrival whose append
// completes the set is elected emitter; everyone else just retires.
func (h *Handler) parallelJoin(ctx context.Context, g *bpmn.ProcessGraph, tok *sdk.Token, node *bpmn.Node) ([]*sdk.Token, error) {
	if err := h.state.RegisterJoinPaths(ctx, tok.InstanceID, tok.ScopeID, node.ID, node.Incoming); err != nil {
		return nil, err
	}

	done, err := h.state.JoinArrive(ctx, tok, node.ID)
	if err != nil {
		return nil, err
	}

	// Every arriving branch shares the join's position slot, so a later
	// arrival may have overwritten this snapshot; losing that CAS is
	// expected and the arrival is already recorded.
	if err := h.tokens.ConsumeToken(ctx, tok); err != nil && !sdk.IsCode(err, sdk.CodeTokenState) {
		return nil, err
	}
	if !done {
		return nil, nil
	}

	arrivals, err := h.state.JoinArrivals(ctx, tok.InstanceID, tok.ScopeID, node.ID)
	if err != nil {
		return nil, err
	}
	merged, err := mergeArrivalData(arrivals)
	if err != nil {
		return nil, err
	}
	if err := h.state.ClearJoin(ctx, tok.InstanceID, tok.ScopeID, node.ID); err != nil {
		return nil, err
	}

	flows := g.FlowsFrom(node)
	if len(flows) == 0 {
		return nil, sdk.Errorf(sdk.CodeGatewayNoPath, "join %q has no outgoing flow", node.ID).
			WithNode(node.ID).WithInstance(tok.InstanceID)
	}

	h.logger.Debug("parallel join complete",
		"instance_id", tok.InstanceID, "gateway_id", node.ID, "arrivals", len(arrivals))
	out, err := h.tokens.EmitToken(ctx, tok.InstanceID,
		token.Target{NodeID: flows[0].TargetRef, ScopeID: tok.ScopeID, FlowID: flows[0].ID}, merged)
	if err != nil {
		return nil, err
	}
	return []*sdk.Token{out}, nil
}

// mergeArrivalData unions branch data in arrival order; on key
// collision the later arrival wins. RFC 7386 merge keeps nested objects
// deterministic.
func mergeArrivalData(arrivals []*sdk.Token) (map[string]interface{}, error) {
	doc := []byte(`{}`)
	for _, t := range arrivals {
		if len(t.Data) == 0 {
			continue
		}
		patch, err := json.Marshal(t.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal branch data: %w", err)
		}
		doc, err = jsonpatch.MergePatch(doc, patch)
		if err != nil {
			return nil, fmt.Errorf("merge branch data: %w", err)
		}
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(doc, &merged); err != nil {
		return nil, fmt.Errorf("decode merged data: %w", err)
	}
	return merged, nil
}

func (h *Handler) follow(ctx context.Context, tok *sdk.Token, f *bpmn.Flow) ([]*sdk.Token, error) {
	out, err := h.tokens.MoveToken(ctx, tok, token.SameScope(tok, f.TargetRef, f.ID))
	if err != nil {
		return nil, err
	}
	return []*sdk.Token{out}, nil
}
