package bpmn

import (
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Validate checks structural soundness of a parsed graph and returns
// the first problem found.
func Validate(g *ProcessGraph) error {
	if g.StartEvent() == nil {
		return sdk.NewError(sdk.CodeProcessGraphInvalid, "process has no start event")
	}
	if !hasRootEnd(g) {
		return sdk.NewError(sdk.CodeProcessGraphInvalid, "process has no end event")
	}

	for _, n := range g.ordered() {
		if err := validateNode(g, n); err != nil {
			return err
		}
	}

	for _, f := range g.Flows {
		if g.Nodes[f.SourceRef] == nil {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "flow %q starts at unknown element %q", f.ID, f.SourceRef)
		}
		if g.Nodes[f.TargetRef] == nil {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "flow %q targets unknown element %q", f.ID, f.TargetRef)
		}
	}

	if unreachable := findUnreachable(g); unreachable != "" {
		return sdk.Errorf(sdk.CodeProcessGraphInvalid, "element %q is not reachable from any start event", unreachable)
	}

	if cyclic := findCycle(g); cyclic != "" {
		return sdk.Errorf(sdk.CodeProcessGraphInvalid, "element %q participates in a cycle", cyclic)
	}

	return nil
}

func hasRootEnd(g *ProcessGraph) bool {
	for _, n := range g.ordered() {
		if n.Type == NodeEndEvent && n.Parent == "" {
			return true
		}
	}
	return false
}

func validateNode(g *ProcessGraph, n *Node) error {
	switch n.Type {
	case NodeBoundaryEvent:
		host := g.Nodes[n.AttachedTo]
		if host == nil {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "boundary event %q is attached to unknown element %q", n.ID, n.AttachedTo)
		}
		if !host.IsActivity() {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "boundary event %q is attached to non-activity %q", n.ID, n.AttachedTo)
		}
		if n.Event == EventNone {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "boundary event %q has no event definition", n.ID)
		}
		if n.Event == EventCompensation && n.CompensationHandler == "" {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "compensation boundary %q has no handler association", n.ID)
		}
	case NodeExclusiveGateway, NodeInclusiveGateway, NodeParallelGateway:
		if n.DefaultFlow != "" {
			f := g.Flows[n.DefaultFlow]
			if f == nil || f.SourceRef != n.ID {
				return sdk.Errorf(sdk.CodeProcessGraphInvalid, "gateway %q names default flow %q that does not leave it", n.ID, n.DefaultFlow)
			}
		}
	case NodeSubprocess, NodeTransaction:
		if g.StartEventFor(n.ID) == nil {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "subprocess %q has no start event", n.ID)
		}
	case NodeEventSubprocess:
		start := g.StartEventFor(n.ID)
		if start == nil {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "event subprocess %q has no start event", n.ID)
		}
		if start.Event == EventNone {
			return sdk.Errorf(sdk.CodeProcessGraphInvalid, "event subprocess %q start event has no trigger", n.ID)
		}
	}
	return nil
}

// findUnreachable walks the graph from every entry point: the root
// start events, scope start events once their scope is reachable,
// boundary events once their host is reachable, and compensation
// handlers once their boundary is reachable. The first unreachable
// element in document order is returned.
func findUnreachable(g *ProcessGraph) string {
	seen := make(map[string]bool, len(g.Nodes))

	var queue []string
	enqueue := func(id string) {
		if id != "" && !seen[id] && g.Nodes[id] != nil {
			seen[id] = true
			queue = append(queue, id)
		}
	}

	for _, n := range g.ordered() {
		if n.Type == NodeStartEvent && n.Parent == "" {
			enqueue(n.ID)
		}
	}
	for _, esp := range g.EventSubprocesses("") {
		enqueue(esp.ID)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := g.Nodes[id]

		for _, fid := range n.Outgoing {
			if f := g.Flows[fid]; f != nil {
				enqueue(f.TargetRef)
			}
		}

		switch n.Type {
		case NodeSubprocess, NodeTransaction:
			if start := g.StartEventFor(n.ID); start != nil {
				enqueue(start.ID)
			}
			for _, esp := range g.EventSubprocesses(n.ID) {
				enqueue(esp.ID)
			}
		case NodeEventSubprocess:
			if start := g.StartEventFor(n.ID); start != nil {
				enqueue(start.ID)
			}
		}

		if n.IsActivity() {
			for _, be := range g.Boundaries(n.ID) {
				enqueue(be.ID)
				if be.CompensationHandler != "" {
					enqueue(be.CompensationHandler)
				}
			}
		}
	}

	for _, n := range g.ordered() {
		if !seen[n.ID] {
			return n.ID
		}
	}
	return ""
}

// findCycle detects a cycle over sequence flows. Direct self-loops are
// allowed; anything longer is rejected.
func findCycle(g *ProcessGraph) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		n := g.Nodes[id]
		for _, fid := range n.Outgoing {
			f := g.Flows[fid]
			if f == nil || f.TargetRef == id {
				continue
			}
			switch color[f.TargetRef] {
			case grey:
				return f.TargetRef
			case white:
				if hit := visit(f.TargetRef); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, n := range g.ordered() {
		if color[n.ID] == white {
			if hit := visit(n.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
