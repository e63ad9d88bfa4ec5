// Package saga runs compensation: undo handlers registered by completed
// activities, and a standalone orchestrator for service-level sagas.
package saga

import (
	"context"
	"sort"
	"strings"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
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

// RunHandler executes one compensation handler activity. The data map is
// the snapshot taken when the compensated activity completed.
type RunHandler func(ctx context.Context, handlerID, scopeID string, data map[string]interface{}) error

// Compensator replays registered undo handlers
type Compensator struct {
	state  *state.Manager
	run    RunHandler
	logger Logger
}

// Opts configures the compensator
type Opts struct {
	State  *state.Manager
	Run    RunHandler
	Logger Logger
}

// NewCompensator creates a compensator
func NewCompensator(opts Opts) *Compensator {
	return &Compensator{
		state:  opts.State,
		run:    opts.Run,
		logger: opts.Logger,
	}
}

// OrderHandlers sorts handlers into compensation order: handlers with an
// explicit execution order run first, ascending and stable; the rest run
// in reverse registration order.
func OrderHandlers(handlers []*sdk.CompensationHandler) []*sdk.CompensationHandler {
	var explicit, implicit []*sdk.CompensationHandler
	for _, h := range handlers {
		if h.ExecutionOrder != nil {
			explicit = append(explicit, h)
		} else {
			implicit = append(implicit, h)
		}
	}
	sort.SliceStable(explicit, func(i, j int) bool {
		return *explicit[i].ExecutionOrder < *explicit[j].ExecutionOrder
	})
	sort.SliceStable(implicit, func(i, j int) bool {
		return implicit[i].Seq > implicit[j].Seq
	})
	return append(explicit, implicit...)
}

// Compensate runs the undo handlers registered under a scope subtree and
// retires each one after it succeeds. A non-empty activityID limits the
// run to that single activity. Handlers registered inside a nested
// transaction are skipped: a transaction's compensations belong to its
// own cancellation. Returns the number of handlers executed.
func (c *Compensator) Compensate(ctx context.Context, g *bpmn.ProcessGraph, instanceID, scopePath, activityID string) (int, error) {
	all, err := c.state.GetAllCompensationHandlers(ctx, instanceID)
	if err != nil {
		return 0, err
	}

	var eligible []*sdk.CompensationHandler
	for _, h := range all {
		if activityID != "" && h.ActivityID != activityID {
			continue
		}
		if !compensable(g, scopePath, h.ScopeID) {
			continue
		}
		eligible = append(eligible, h)
	}

	ran := 0
	for _, h := range OrderHandlers(eligible) {
		c.logger.Info("running compensation handler",
			"instance_id", instanceID,
			"activity_id", h.ActivityID,
			"handler_id", h.HandlerID,
		)
		if err := c.run(ctx, h.HandlerID, h.ScopeID, h.ActivityData); err != nil {
			return ran, sdk.WrapError(sdk.CodeCompensationFailed,
				"compensation handler "+h.HandlerID+" failed", err).
				WithNode(h.HandlerID).WithInstance(instanceID)
		}
		if err := c.state.RemoveCompensationHandler(ctx, instanceID, h.ActivityID); err != nil {
			c.logger.Warn("compensation handler retire failed",
				"instance_id", instanceID, "activity_id", h.ActivityID, "error", err)
		}
		ran++
	}
	return ran, nil
}

// compensable reports whether a handler registered in handlerScope is
// reachable from a compensation of scopePath.
func compensable(g *bpmn.ProcessGraph, scopePath, handlerScope string) bool {
	if handlerScope == scopePath {
		return true
	}
	prefix := ""
	if scopePath != "" {
		prefix = scopePath + "/"
		if !strings.HasPrefix(handlerScope, prefix) {
			return false
		}
	}
	// a transaction segment below the compensated scope is a boundary
	for _, seg := range strings.Split(strings.TrimPrefix(handlerScope, prefix), "/") {
		if n := g.Node(seg); n != nil && n.Type == bpmn.NodeTransaction {
			return false
		}
	}
	return true
}
