// Package registry holds the service task handlers an engine deployment
// exposes to its processes. Handlers are registered once at boot and
// looked up by the task name carried in the BPMN extension config.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Handler is one service task implementation. It receives the static
// properties from the task definition and the token's data, and returns
// data to merge back into the token.
type Handler func(ctx context.Context, props map[string]string, data map[string]interface{}) (map[string]interface{}, error)

// Registry maps service task names to handlers. Safe for concurrent
// use; registration normally happens before the executor starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler under a task name, replacing any previous
// registration.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns the registered task names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs the named handler. A missing handler or a handler error
// fails with SERVICE_TASK_FAILED.
func (r *Registry) Execute(ctx context.Context, name string, props map[string]string, data map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, sdk.Errorf(sdk.CodeServiceTaskFailed, "no handler registered for service task %q", name)
	}

	out, err := h(ctx, props, data)
	if err != nil {
		// engine errors (e.g. a handler throwing a typed error for an
		// error boundary) pass through untouched
		if sdk.CodeOf(err) != "" {
			return nil, err
		}
		return nil, sdk.WrapError(sdk.CodeServiceTaskFailed, fmt.Sprintf("service task %q", name), err)
	}
	return out, nil
}
