// Package service ties the engine runtime to the system of record and
// the event bus: deployments go to Postgres, instance starts and timer
// recoveries travel as bus events, and the executor does the rest.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/event"
	"github.com/fluxline/bpmn-engine/cmd/engine/executor"
	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/cmd/engine/token"
	"github.com/fluxline/bpmn-engine/common/cache"
	"github.com/fluxline/bpmn-engine/common/metrics"
	"github.com/fluxline/bpmn-engine/common/models"
	"github.com/fluxline/bpmn-engine/common/queue"
	"github.com/fluxline/bpmn-engine/common/ratelimit"
	"github.com/fluxline/bpmn-engine/common/repository"
	"github.com/fluxline/bpmn-engine/common/sdk"
	"github.com/fluxline/bpmn-engine/common/validation"
)

// ErrInstanceNotRunning rejects variable patches on finished instances
var ErrInstanceNotRunning = errors.New("instance is not running")

// ErrInvalidPatch wraps patch documents the engine refuses to apply
var ErrInvalidPatch = errors.New("invalid variable patch")

// ErrTooManyInstances rejects starts while the running-instance cap is
// reached
var ErrTooManyInstances = errors.New("too many running instances")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const definitionCacheTTL = time.Hour

// Engine is the application service in front of the executor
type Engine struct {
	defs    *repository.DefinitionRepository
	insts   *repository.InstanceRepository
	state   *state.Manager
	tokens  *token.Manager
	exec    *executor.Executor
	queue   queue.Queue
	cache   cache.Cache
	limiter *ratelimit.Limiter
	parser  *bpmn.Parser

	maxInstances int

	metrics *metrics.Engine
	logger  Logger
}

// Opts configures the engine service. Metrics, Cache and Limiter may
// be nil.
type Opts struct {
	Definitions *repository.DefinitionRepository
	Instances   *repository.InstanceRepository
	State       *state.Manager
	Tokens      *token.Manager
	Executor    *executor.Executor
	Queue       queue.Queue
	Cache       cache.Cache
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.Engine
	Logger      Logger

	// MaxInstances caps concurrently running instances; 0 disables the
	// check
	MaxInstances int
}

// NewEngine creates the engine service
func NewEngine(opts Opts) *Engine {
	return &Engine{
		defs:         opts.Definitions,
		insts:        opts.Instances,
		state:        opts.State,
		tokens:       opts.Tokens,
		exec:         opts.Executor,
		queue:        opts.Queue,
		cache:        opts.Cache,
		limiter:      opts.Limiter,
		parser:       bpmn.NewParser(),
		maxInstances: opts.MaxInstances,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// DeployDefinition validates BPMN XML and stores it as a new definition
// version. Deployment rejects anything the executor could not run.
func (e *Engine) DeployDefinition(ctx context.Context, name, bpmnXML string) (*models.ProcessDefinition, error) {
	g, err := e.parser.Parse([]byte(bpmnXML))
	if err != nil {
		return nil, err
	}
	if err := bpmn.Validate(g); err != nil {
		return nil, err
	}

	def, err := e.defs.Deploy(ctx, name, bpmnXML)
	if err != nil {
		return nil, err
	}
	e.cacheXML(ctx, def.ID, def.Version, bpmnXML)
	if err := e.scheduleStartTimer(ctx, def.ID, def.Version, g); err != nil {
		return nil, err
	}

	e.logger.Info("definition deployed",
		"definition_id", def.ID, "name", def.Name, "version", def.Version)
	return def, nil
}

// scheduleStartTimer arms the durable timer of a timer start event.
// The record belongs to the definition, keyed under its ID; the
// scheduler's firing materializes an instance. Redeploys drop the
// previous version's schedule first.
func (e *Engine) scheduleStartTimer(ctx context.Context, definitionID uuid.UUID, version int, g *bpmn.ProcessGraph) error {
	existing, err := e.state.ListTimers(ctx, definitionID.String())
	if err != nil {
		return err
	}
	for _, old := range existing {
		if err := e.state.DeleteTimerState(ctx, old.InstanceID, old.TimerID); err != nil {
			return err
		}
	}

	start := g.StartEvent()
	if start == nil || start.Event != bpmn.EventTimer || start.Timer == nil {
		return nil
	}
	now := time.Now().UTC()
	sched, err := event.ResolveTimer(start.Timer, now)
	if err != nil {
		return err
	}
	ts := &sdk.TimerState{
		TimerID:      start.ID,
		InstanceID:   definitionID.String(),
		NodeID:       start.ID,
		TimerType:    start.Timer.Type,
		Definition:   start.Timer.Value,
		StartTime:    now,
		EndTime:      sched.FireAt,
		Remaining:    sched.Repetitions,
		DefinitionID: definitionID.String(),
		Version:      version,
	}
	if err := e.state.SaveTimerState(ctx, ts); err != nil {
		return err
	}
	e.logger.Info("start timer scheduled",
		"definition_id", definitionID, "node_id", start.ID, "fire_at", sched.FireAt)
	return nil
}

// GetDefinition returns a definition row
func (e *Engine) GetDefinition(ctx context.Context, id uuid.UUID) (*models.ProcessDefinition, error) {
	return e.defs.GetByID(ctx, id)
}

// ListDefinitions returns deployed definitions
func (e *Engine) ListDefinitions(ctx context.Context, limit int) ([]*models.ProcessDefinition, error) {
	return e.defs.List(ctx, limit)
}

// StartInstance creates an instance row and publishes the start event.
// A consumer picks it up and drives the instance to completion.
func (e *Engine) StartInstance(ctx context.Context, definitionID uuid.UUID, input map[string]interface{}) (*models.ProcessInstance, error) {
	def, err := e.defs.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	// surface an unrunnable definition at start, not in the consumer
	g, err := e.definitionGraph(ctx, def.ID, def.Version)
	if err != nil {
		return nil, err
	}
	if err := e.checkStartLimit(ctx, def.ID, g); err != nil {
		return nil, err
	}
	if e.maxInstances > 0 {
		running, err := e.insts.CountRunning(ctx)
		if err != nil {
			return nil, err
		}
		if running >= e.maxInstances {
			return nil, fmt.Errorf("%w: %d of %d", ErrTooManyInstances, running, e.maxInstances)
		}
	}

	inst, err := e.insts.Create(ctx, def.ID, def.Version)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]*sdk.Variable, len(input))
	for name, value := range input {
		vars[name] = sdk.NewVariable(value)
	}
	ev := &sdk.ProcessEvent{
		InstanceID:   inst.ID.String(),
		DefinitionID: def.ID.String(),
		Variables:    vars,
		Source:       "api",
		Timestamp:    time.Now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal start event: %w", err)
	}
	if err := e.queue.Publish(ctx, sdk.TopicProcessStarted, ev.InstanceID, raw); err != nil {
		return nil, fmt.Errorf("publish start event: %w", err)
	}

	if e.metrics != nil {
		e.metrics.InstancesStarted.Inc()
	}
	e.logger.Info("instance started",
		"instance_id", inst.ID, "definition_id", def.ID, "version", def.Version)
	return inst, nil
}

// checkStartLimit throttles instance starts per definition. Heavier
// definitions get tighter limits; limiter errors fail open.
func (e *Engine) checkStartLimit(ctx context.Context, definitionID uuid.UUID, g *bpmn.ProcessGraph) error {
	if e.limiter == nil {
		return nil
	}

	activities := 0
	for _, n := range g.Nodes {
		if n.Type == bpmn.NodeServiceTask || n.Type == bpmn.NodeScriptTask {
			activities++
		}
	}
	profile := ratelimit.ProfileFor(activities, len(g.Nodes))

	result, err := e.limiter.CheckDefinitionLimit(ctx, definitionID.String(), profile.Tier)
	if err != nil {
		e.logger.Warn("start limit check failed, allowing",
			"definition_id", definitionID, "error", err)
		return nil
	}
	if !result.Allowed {
		return &ratelimit.ErrLimitExceeded{
			Scope:             "definition " + definitionID.String(),
			Limit:             result.Limit,
			RetryAfterSeconds: result.RetryAfterSeconds,
		}
	}
	return nil
}

// GetInstance returns an instance row with its live token positions
func (e *Engine) GetInstance(ctx context.Context, id uuid.UUID) (*models.ProcessInstance, []*sdk.Token, error) {
	inst, err := e.insts.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	positions, err := e.state.GetTokenPositions(ctx, id.String())
	if err != nil {
		return nil, nil, err
	}
	return inst, positions, nil
}

// ListInstances returns recent instances of a definition
func (e *Engine) ListInstances(ctx context.Context, definitionID uuid.UUID, limit int) ([]*models.ProcessInstance, error) {
	return e.insts.ListByDefinition(ctx, definitionID, limit)
}

// PatchVariables applies a JSON Patch to the root-scope variables of a
// running instance and returns the patched set. Waiting nodes see the
// new values on their next read.
func (e *Engine) PatchVariables(ctx context.Context, instanceID uuid.UUID, ops []map[string]interface{}) (map[string]interface{}, error) {
	if err := validation.NewPatchValidator().ValidateOperations(ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	inst, err := e.insts.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != sdk.InstanceRunning {
		return nil, fmt.Errorf("%w: instance %s is %s", ErrInstanceNotRunning, instanceID, inst.Status)
	}

	before, err := e.state.DecodedVariables(ctx, instanceID.String(), "")
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}

	rawOps, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(rawOps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	var after map[string]interface{}
	if err := json.Unmarshal(patched, &after); err != nil {
		return nil, fmt.Errorf("%w: patched document is not an object", ErrInvalidPatch)
	}

	for name, value := range after {
		if err := e.state.SetVariable(ctx, instanceID.String(), "", name, sdk.NewVariable(value)); err != nil {
			return nil, err
		}
	}
	for name := range before {
		if _, kept := after[name]; kept {
			continue
		}
		if err := e.state.RemoveVariable(ctx, instanceID.String(), "", name); err != nil {
			return nil, err
		}
	}

	if err := e.insts.LogActivity(ctx, instanceID, "", "variables_patched", string(rawOps)); err != nil {
		e.logger.Error("activity log failed", "instance_id", instanceID, "error", err)
	}
	e.logger.Info("variables patched", "instance_id", instanceID, "operations", len(ops))
	return after, nil
}

// CorrelateMessage routes a message to waiting catch events
func (e *Engine) CorrelateMessage(ctx context.Context, name, correlationKey string, payload interface{}) (int, error) {
	delivered, err := e.state.DeliverMessage(ctx, name, correlationKey, map[string]interface{}{
		"payload":     payload,
		"received_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.MessagesDelivered.Add(float64(delivered))
	}
	return delivered, nil
}

// BroadcastSignal fans a signal out to every waiting subscriber
func (e *Engine) BroadcastSignal(ctx context.Context, name string, payload interface{}) (int, error) {
	reached, err := e.state.BroadcastSignal(ctx, name, map[string]interface{}{
		"payload":     payload,
		"received_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.SignalsBroadcast.Inc()
	}
	return reached, nil
}

// Consume subscribes the engine to the event bus. Start events run
// fresh instances; timer events recover orphaned waits.
func (e *Engine) Consume(ctx context.Context) error {
	err := e.queue.Subscribe(ctx, sdk.TopicProcessStarted, func(ctx context.Context, key string, value []byte) error {
		var ev sdk.ProcessEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode start event: %w", err)
		}
		return e.RunInstance(ctx, &ev)
	})
	if err != nil {
		return err
	}
	return e.queue.Subscribe(ctx, sdk.TopicProcessTimerTriggered, func(ctx context.Context, key string, value []byte) error {
		var t sdk.TimerState
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("decode timer event: %w", err)
		}
		if t.DefinitionID != "" {
			return e.StartFromTimer(ctx, &t)
		}
		return e.ResumeTimer(ctx, &t)
	})
}

// StartFromTimer materializes a fresh instance when a definition-level
// start timer fires, republishing it as a regular start event for the
// consumer to run. Cycle timers re-arm until their repetitions run out.
func (e *Engine) StartFromTimer(ctx context.Context, t *sdk.TimerState) error {
	definitionID, err := uuid.Parse(t.DefinitionID)
	if err != nil {
		return fmt.Errorf("bad definition id %q: %w", t.DefinitionID, err)
	}

	inst, err := e.insts.Create(ctx, definitionID, t.Version)
	if err != nil {
		return err
	}
	ev := &sdk.ProcessEvent{
		InstanceID:   inst.ID.String(),
		DefinitionID: t.DefinitionID,
		Source:       "timer",
		Timestamp:    time.Now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal start event: %w", err)
	}
	if err := e.queue.Publish(ctx, sdk.TopicProcessStarted, ev.InstanceID, raw); err != nil {
		return fmt.Errorf("publish start event: %w", err)
	}

	if e.metrics != nil {
		e.metrics.InstancesStarted.Inc()
	}
	e.logger.Info("start timer fired",
		"definition_id", t.DefinitionID, "instance_id", inst.ID, "node_id", t.NodeID)
	return e.rescheduleStartTimer(ctx, t)
}

// rescheduleStartTimer writes the next occurrence of a cycle start
// timer back; the scheduler already claimed the fired record. Date and
// duration starts are one-shot.
func (e *Engine) rescheduleStartTimer(ctx context.Context, t *sdk.TimerState) error {
	if t.TimerType != sdk.TimerCycle || t.Remaining <= 1 {
		return nil
	}
	sched, err := event.ResolveTimer(&bpmn.TimerConfig{Type: t.TimerType, Value: t.Definition}, t.EndTime)
	if err != nil {
		return err
	}
	next := *t
	next.StartTime = t.EndTime
	next.EndTime = sched.FireAt
	next.Remaining = t.Remaining - 1
	return e.state.SaveTimerState(ctx, &next)
}

// RunInstance drives one instance to completion and records the outcome
// in the system of record.
func (e *Engine) RunInstance(ctx context.Context, ev *sdk.ProcessEvent) error {
	instanceID, err := uuid.Parse(ev.InstanceID)
	if err != nil {
		return fmt.Errorf("bad instance id %q: %w", ev.InstanceID, err)
	}
	inst, err := e.insts.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	g, err := e.definitionGraph(ctx, inst.DefinitionID, inst.Version)
	if err != nil {
		return e.failInstance(ctx, instanceID, err)
	}

	input := make(map[string]interface{}, len(ev.Variables))
	for name, v := range ev.Variables {
		input[name] = v.Decode()
	}

	out, err := e.exec.Run(ctx, g, ev.InstanceID, input)
	if err != nil {
		return e.failInstance(ctx, instanceID, err)
	}
	return e.completeInstance(ctx, instanceID, out)
}

// ResumeTimer continues an instance after the durable scheduler fired
// an orphaned timer. The timer record is already claimed; this
// repositions the parked token and drains the instance.
func (e *Engine) ResumeTimer(ctx context.Context, t *sdk.TimerState) error {
	instanceID, err := uuid.Parse(t.InstanceID)
	if err != nil {
		return fmt.Errorf("bad instance id %q: %w", t.InstanceID, err)
	}
	inst, err := e.insts.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != sdk.InstanceRunning {
		e.logger.Warn("dropping timer for finished instance",
			"instance_id", t.InstanceID, "timer_id", t.TimerID, "status", inst.Status)
		return nil
	}
	g, err := e.definitionGraph(ctx, inst.DefinitionID, inst.Version)
	if err != nil {
		return err
	}

	moved, err := e.repositionTimerToken(ctx, g, t)
	if err != nil {
		return err
	}
	if !moved {
		// the original waiter beat us to it after all
		return nil
	}

	out, err := e.exec.Run(ctx, g, t.InstanceID, nil)
	if err != nil {
		return e.failInstance(ctx, instanceID, err)
	}
	return e.completeInstance(ctx, instanceID, out)
}

// repositionTimerToken moves the token the timer was parked on: catch
// timers advance past the event node, boundary timers cancel the
// activity (when interrupting) and land on the boundary.
func (e *Engine) repositionTimerToken(ctx context.Context, g *bpmn.ProcessGraph, t *sdk.TimerState) (bool, error) {
	positions, err := e.state.GetTokenPositions(ctx, t.InstanceID)
	if err != nil {
		return false, err
	}

	if t.ActivityID != "" {
		var victim *sdk.Token
		for _, tok := range positions {
			if tok.NodeID == t.ActivityID {
				victim = tok
				break
			}
		}
		if victim == nil {
			return false, nil
		}
		if t.Interrupting {
			if err := e.tokens.UpdateState(ctx, victim, sdk.TokenCancelled); err != nil {
				if sdk.IsCode(err, sdk.CodeTokenState) {
					return false, nil
				}
				return false, err
			}
			if err := e.tokens.ConsumeToken(ctx, victim); err != nil && !sdk.IsCode(err, sdk.CodeTokenState) {
				return false, err
			}
		}
		data := sdk.CopyData(victim.Data)
		if data == nil {
			data = make(map[string]interface{})
		}
		for k, v := range t.TokenData {
			data[k] = v
		}
		if _, err := e.tokens.EmitToken(ctx, t.InstanceID,
			token.Target{NodeID: t.NodeID, ScopeID: victim.ScopeID}, data); err != nil {
			return false, err
		}
		return true, nil
	}

	var waiting *sdk.Token
	for _, tok := range positions {
		if tok.NodeID == t.NodeID && tok.State == sdk.TokenWaiting {
			waiting = tok
			break
		}
	}
	if waiting == nil {
		return false, nil
	}
	node := g.Node(t.NodeID)
	if node == nil {
		return false, sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"timer token rests on unknown node %q", t.NodeID).WithInstance(t.InstanceID)
	}
	flows := g.FlowsFrom(node)
	if len(flows) == 0 {
		return false, sdk.Errorf(sdk.CodeProcessGraphInvalid,
			"node %q has no outgoing flow", node.ID).WithInstance(t.InstanceID)
	}
	data := sdk.CopyData(waiting.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	for k, v := range t.TokenData {
		data[k] = v
	}
	if _, err := e.tokens.MoveTokenWithData(ctx, waiting,
		token.Target{NodeID: flows[0].TargetRef, ScopeID: waiting.ScopeID, FlowID: flows[0].ID}, data); err != nil {
		if sdk.IsCode(err, sdk.CodeTokenState) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *Engine) completeInstance(ctx context.Context, instanceID uuid.UUID, out map[string]interface{}) error {
	if err := e.insts.UpdateStatus(ctx, instanceID, sdk.InstanceCompleted, ""); err != nil {
		return err
	}
	detail := ""
	if len(out) > 0 {
		if raw, err := json.Marshal(out); err == nil {
			detail = string(raw)
		}
	}
	if err := e.insts.LogActivity(ctx, instanceID, "", "instance_completed", detail); err != nil {
		e.logger.Error("activity log failed", "instance_id", instanceID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.InstancesCompleted.Inc()
	}
	e.logger.Info("instance completed", "instance_id", instanceID)
	return nil
}

func (e *Engine) failInstance(ctx context.Context, instanceID uuid.UUID, cause error) error {
	if err := e.insts.UpdateStatus(ctx, instanceID, sdk.InstanceError, cause.Error()); err != nil {
		return err
	}
	nodeID := ""
	if pe, ok := sdk.AsProcessError(cause); ok {
		nodeID = pe.NodeID
	}
	if err := e.insts.LogActivity(ctx, instanceID, nodeID, "instance_failed", cause.Error()); err != nil {
		e.logger.Error("activity log failed", "instance_id", instanceID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.InstancesFailed.Inc()
	}
	e.logger.Error("instance failed", "instance_id", instanceID, "error", cause)
	return nil
}

// definitionGraph loads and parses a definition version, going through
// the XML cache when one is configured.
func (e *Engine) definitionGraph(ctx context.Context, definitionID uuid.UUID, version int) (*bpmn.ProcessGraph, error) {
	key := definitionKey(definitionID, version)
	if e.cache != nil {
		if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			return e.parser.Parse(raw)
		}
	}

	xml, err := e.defs.GetXML(ctx, definitionID, version)
	if err != nil {
		return nil, err
	}
	e.cacheXML(ctx, definitionID, version, xml)
	return e.parser.Parse([]byte(xml))
}

func (e *Engine) cacheXML(ctx context.Context, definitionID uuid.UUID, version int, xml string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, definitionKey(definitionID, version), []byte(xml), definitionCacheTTL); err != nil {
		e.logger.Warn("definition cache write failed",
			"definition_id", definitionID, "version", version, "error", err)
	}
}

func definitionKey(definitionID uuid.UUID, version int) string {
	return "def:" + definitionID.String() + ":" + strconv.Itoa(version)
}
