package saga

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Status is the terminal state of a saga run
type Status string

const (
	StatusCompleted   Status = "COMPLETED"
	StatusCompensated Status = "COMPENSATED"
	StatusFailed      Status = "FAILED"
)

// Step is one forward action with its undo. Action output merges into
// the shared saga data; Compensation sees the merged data as it stood
// when the saga failed.
type Step struct {
	Name         string
	Action       func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)
	Compensation func(ctx context.Context, data map[string]interface{}) error
}

// Result is the outcome of a saga run. On compensation the data carries
// the triggering failure under the "error" key.
type Result struct {
	Status Status
	Data   map[string]interface{}
	Err    error
}

// Orchestrator executes steps in order, compensating completed steps in
// reverse when a later step fails. Steps added through AddParallel run
// concurrently as one group.
type Orchestrator struct {
	name   string
	groups [][]Step
	logger Logger
}

// NewOrchestrator creates a saga orchestrator
func NewOrchestrator(name string, logger Logger) *Orchestrator {
	return &Orchestrator{name: name, logger: logger}
}

// AddStep appends a sequential step
func (o *Orchestrator) AddStep(step Step) *Orchestrator {
	o.groups = append(o.groups, []Step{step})
	return o
}

// AddParallel appends a group of steps that run concurrently
func (o *Orchestrator) AddParallel(steps ...Step) *Orchestrator {
	if len(steps) > 0 {
		o.groups = append(o.groups, steps)
	}
	return o
}

// Execute runs the saga to completion or compensation
func (o *Orchestrator) Execute(ctx context.Context, input map[string]interface{}) *Result {
	data := sdk.CopyData(input)
	if data == nil {
		data = make(map[string]interface{})
	}

	var completed []Step
	for _, group := range o.groups {
		groupDone, err := o.runGroup(ctx, group, data)
		completed = append(completed, groupDone...)
		if err != nil {
			o.logger.Warn("saga step failed, compensating",
				"saga", o.name, "completed_steps", len(completed), "error", err)
			data["error"] = err.Error()
			if compErr := o.compensate(ctx, completed, data); compErr != nil {
				return &Result{Status: StatusFailed, Data: data, Err: compErr}
			}
			return &Result{Status: StatusCompensated, Data: data, Err: err}
		}
	}

	o.logger.Info("saga completed", "saga", o.name, "steps", len(completed))
	return &Result{Status: StatusCompleted, Data: data}
}

// runGroup executes one group and returns the steps whose actions
// succeeded; those need compensation even when a sibling failed.
func (o *Orchestrator) runGroup(ctx context.Context, group []Step, data map[string]interface{}) ([]Step, error) {
	if len(group) == 1 {
		step := group[0]
		out, err := step.Action(ctx, data)
		if err != nil {
			return nil, err
		}
		mergeInto(data, out)
		return []Step{step}, nil
	}

	var mu sync.Mutex
	var done []Step
	snapshot := sdk.CopyData(data)

	g, groupCtx := errgroup.WithContext(ctx)
	for _, step := range group {
		step := step
		g.Go(func() error {
			out, err := step.Action(groupCtx, sdk.CopyData(snapshot))
			if err != nil {
				return err
			}
			mu.Lock()
			mergeInto(data, out)
			done = append(done, step)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return done, err
}

func (o *Orchestrator) compensate(ctx context.Context, completed []Step, data map[string]interface{}) error {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensation == nil {
			continue
		}
		o.logger.Info("compensating step", "saga", o.name, "step", step.Name)
		if err := step.Compensation(ctx, data); err != nil {
			return sdk.WrapError(sdk.CodeCompensationFailed,
				"compensation for step "+step.Name+" failed", err)
		}
	}
	return nil
}

func mergeInto(data map[string]interface{}, out map[string]interface{}) {
	for k, v := range out {
		data[k] = v
	}
}
