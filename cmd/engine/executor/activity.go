package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/event"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// runActivity executes a task node under its boundary event watchers.
// The successor move is a CAS against the activity token: if an
// interrupting boundary fired first, the move loses and the step is
// abandoned.
func (r *run) runActivity(ctx context.Context, tok *sdk.Token, node *bpmn.Node) ([]*sdk.Token, error) {
	stop := r.e.events.WatchBoundaries(ctx, r.g, tok, node,
		func(bt *sdk.Token) { r.spawn(ctx, bt) })
	defer stop()

	workCtx := ctx
	if node.Timeout != "" {
		d, err := event.ParseWaitTimeout(node.Timeout)
		if err != nil {
			return nil, err
		}
		if d > 0 {
			var cancel context.CancelFunc
			workCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	data := sdk.CopyData(tok.Data)
	if data == nil {
		data = make(map[string]interface{})
	}

	switch node.Type {
	case bpmn.NodeScriptTask:
		vars, err := r.e.state.DecodedVariables(workCtx, r.instanceID, tok.ScopeID)
		if err != nil {
			return nil, err
		}
		for k, v := range data {
			vars[k] = v
		}
		res, err := r.e.scripts.Execute(workCtx, node.Script, vars)
		if err != nil {
			return nil, err
		}
		for k, v := range res.SetVariables {
			if err := r.e.state.SetVariable(ctx, r.instanceID, tok.ScopeID, k, sdk.NewVariable(v)); err != nil {
				return nil, err
			}
		}
		if res.Value != nil {
			data["result"] = res.Value
		}

	case bpmn.NodeServiceTask:
		props, err := r.resolveProperties(workCtx, tok, node)
		if err != nil {
			return nil, err
		}
		out, err := r.e.registry.Execute(workCtx, node.ServiceTaskName, props, data)
		if err != nil {
			return nil, err
		}
		for k, v := range out {
			data[k] = v
		}

	case bpmn.NodeTask:
		// plain tasks are pass-through
	}

	completed := tok.Clone()
	completed.Data = data
	if err := r.e.events.RegisterCompensation(ctx, r.g, completed, node); err != nil {
		return nil, err
	}

	next, err := r.e.advance(ctx, r.g, tok, node, data)
	if err != nil {
		return nil, err
	}
	return collect(next), nil
}

// resolveProperties evaluates expression-valued task properties against
// the token's variable context; literal values pass through.
func (r *run) resolveProperties(ctx context.Context, tok *sdk.Token, node *bpmn.Node) (map[string]string, error) {
	if len(node.Properties) == 0 {
		return nil, nil
	}
	var vars map[string]interface{}
	out := make(map[string]string, len(node.Properties))
	for name, value := range node.Properties {
		if !strings.Contains(value, "${") {
			out[name] = value
			continue
		}
		if vars == nil {
			decoded, err := r.e.state.DecodedVariables(ctx, r.instanceID, tok.ScopeID)
			if err != nil {
				return nil, err
			}
			for k, v := range tok.Data {
				decoded[k] = v
			}
			vars = decoded
		}
		val, err := r.e.eval.Evaluate(value, vars)
		if err != nil {
			return nil, err
		}
		out[name] = stringify(val)
	}
	return out, nil
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
