package event

import (
	"context"
	"time"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// joinScope extends a runtime scope path with a nested scope node
func joinScope(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + "/" + id
}

// WatchEventSubprocesses starts watcher goroutines for the timer,
// message and signal event subprocesses declared in a scope. scopeNodeID
// is the graph node owning the scope ("" for the process root);
// scopePath is the runtime scope path of tokens inside it. Error-start
// event subprocesses are passive and trigger through error escalation
// instead.
//
// The returned stop function cancels the watchers and blocks until they
// exit; run it when the scope completes.
func (h *Handler) WatchEventSubprocesses(ctx context.Context, g *bpmn.ProcessGraph, instanceID, scopeNodeID, scopePath string, seed map[string]interface{}, emit func(*sdk.Token)) (stop func()) {
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var watchers int

	finished := make(chan struct{}, 8)
	for _, esp := range g.EventSubprocesses(scopeNodeID) {
		start := g.StartEventFor(esp.ID)
		if start == nil {
			continue
		}
		esp, start := esp, start
		launch := func(fn func()) {
			watchers++
			go func() {
				fn()
				finished <- struct{}{}
			}()
		}
		switch start.Event {
		case bpmn.EventTimer:
			launch(func() {
				h.watchScopeTimer(watchCtx, g, instanceID, scopePath, esp, start, seed, emit)
			})
		case bpmn.EventMessage:
			launch(func() {
				h.watchScopeMessage(watchCtx, g, instanceID, scopePath, esp, start, seed, emit)
			})
		case bpmn.EventSignal:
			launch(func() {
				h.watchScopeSignal(watchCtx, g, instanceID, scopePath, esp, start, seed, emit)
			})
		}
	}

	go func() {
		for i := 0; i < watchers; i++ {
			<-finished
		}
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

func (h *Handler) watchScopeTimer(ctx context.Context, g *bpmn.ProcessGraph, instanceID, scopePath string, esp, start *bpmn.Node, seed map[string]interface{}, emit func(*sdk.Token)) {
	sched, err := ResolveTimer(start.Timer, time.Now().UTC())
	if err != nil {
		h.logger.Error("event subprocess timer resolution failed",
			"instance_id", instanceID, "node_id", start.ID, "error", err)
		return
	}

	fireAt := sched.FireAt
	for rep := sched.Repetitions; rep > 0; rep-- {
		if err := sleepUntil(ctx, fireAt); err != nil {
			return
		}
		h.triggerEventSubprocess(ctx, instanceID, scopePath, esp, start, seed, emit)
		if start.CancelActivity {
			return
		}
		fireAt = fireAt.Add(sched.Interval)
	}
}

func (h *Handler) watchScopeMessage(ctx context.Context, g *bpmn.ProcessGraph, instanceID, scopePath string, esp, start *bpmn.Node, seed map[string]interface{}, emit func(*sdk.Token)) {
	pseudo := &sdk.Token{InstanceID: instanceID, ScopeID: scopePath, Data: seed}
	correlation, err := h.resolveCorrelation(ctx, pseudo, start)
	if err != nil {
		h.logger.Error("event subprocess correlation failed",
			"instance_id", instanceID, "node_id", start.ID, "error", err)
		return
	}

	for {
		envelope, err := h.state.WaitForMessage(ctx, start.MessageName, correlation,
			instanceID, start.ID, 0)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Error("event subprocess message wait failed",
					"instance_id", instanceID, "node_id", start.ID, "error", err)
			}
			return
		}
		data := sdk.CopyData(seed)
		if data == nil {
			data = make(map[string]interface{})
		}
		data["message_payload"] = envelopePayload(envelope)
		h.triggerEventSubprocess(ctx, instanceID, scopePath, esp, start, data, emit)
		if start.CancelActivity {
			return
		}
	}
}

func (h *Handler) watchScopeSignal(ctx context.Context, g *bpmn.ProcessGraph, instanceID, scopePath string, esp, start *bpmn.Node, seed map[string]interface{}, emit func(*sdk.Token)) {
	for {
		envelope, err := h.state.WaitForSignal(ctx, start.SignalName, instanceID, start.ID, 0)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Error("event subprocess signal wait failed",
					"instance_id", instanceID, "node_id", start.ID, "error", err)
			}
			return
		}
		data := sdk.CopyData(seed)
		if data == nil {
			data = make(map[string]interface{})
		}
		data["signal_payload"] = envelopePayload(envelope)
		h.triggerEventSubprocess(ctx, instanceID, scopePath, esp, start, data, emit)
		if start.CancelActivity {
			return
		}
	}
}

// triggerEventSubprocess materializes a token at the event subprocess
// start event. An interrupting trigger clears the parent scope's tokens
// first; a non-interrupting one copies the parent scope's variables into
// the new scope so the handler runs against a stable snapshot.
func (h *Handler) triggerEventSubprocess(ctx context.Context, instanceID, scopePath string, esp, start *bpmn.Node, data map[string]interface{}, emit func(*sdk.Token)) {
	fireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	espScope := joinScope(scopePath, esp.ID)

	if start.CancelActivity {
		if err := h.state.ClearScopeTokens(fireCtx, instanceID, scopePath); err != nil {
			h.logger.Error("interrupting event subprocess scope clear failed",
				"instance_id", instanceID, "scope_id", scopePath, "error", err)
			return
		}
	} else {
		vars, err := h.state.GetVariables(fireCtx, instanceID, scopePath, true)
		if err != nil {
			h.logger.Error("event subprocess variable snapshot failed",
				"instance_id", instanceID, "scope_id", scopePath, "error", err)
			return
		}
		for name, v := range vars {
			if err := h.state.SetVariable(fireCtx, instanceID, espScope, name, v); err != nil {
				h.logger.Error("event subprocess variable copy failed",
					"instance_id", instanceID, "scope_id", espScope, "variable", name, "error", err)
				return
			}
		}
	}

	tok, err := h.tokens.SpawnToken(fireCtx, instanceID, start.ID, espScope, sdk.TokenActive, data)
	if err != nil {
		h.logger.Error("event subprocess token spawn failed",
			"instance_id", instanceID, "node_id", start.ID, "error", err)
		return
	}

	h.logger.Info("event subprocess triggered",
		"instance_id", instanceID,
		"subprocess_id", esp.ID,
		"interrupting", start.CancelActivity,
	)
	emit(tok)
}
