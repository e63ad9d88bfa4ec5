package bpmn

import (
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// NodeType tags the kind of a process node
type NodeType string

const (
	NodeStartEvent        NodeType = "startEvent"
	NodeEndEvent          NodeType = "endEvent"
	NodeIntermediateEvent NodeType = "intermediateEvent"
	NodeTask              NodeType = "task"
	NodeScriptTask        NodeType = "scriptTask"
	NodeServiceTask       NodeType = "serviceTask"
	NodeExclusiveGateway  NodeType = "exclusiveGateway"
	NodeInclusiveGateway  NodeType = "inclusiveGateway"
	NodeParallelGateway   NodeType = "parallelGateway"
	NodeSubprocess        NodeType = "subProcess"
	NodeEventSubprocess   NodeType = "eventSubProcess"
	NodeTransaction       NodeType = "transaction"
	NodeBoundaryEvent     NodeType = "boundaryEvent"
)

// EventKind is the event definition attached to an event node
type EventKind string

const (
	EventNone         EventKind = "none"
	EventTimer        EventKind = "timer"
	EventMessage      EventKind = "message"
	EventSignal       EventKind = "signal"
	EventError        EventKind = "error"
	EventCompensation EventKind = "compensation"
	EventCancel       EventKind = "cancel"
)

// TimerConfig carries a timer event definition
type TimerConfig struct {
	Type  sdk.TimerType
	Value string
}

// Node is one element of the process graph. Nodes are immutable after
// parse: the builder collects fragments and Build seals the node.
type Node struct {
	ID   string
	Name string
	Type NodeType

	// Flow IDs in definition order
	Incoming []string
	Outgoing []string

	// Parent is the enclosing subprocess/transaction node ID; empty at
	// the process root.
	Parent string

	// Event extensions. Throwing marks an intermediate throw event;
	// catch events wait, throw events emit.
	Event          EventKind
	Throwing       bool
	Timer          *TimerConfig
	MessageName    string
	SignalName     string
	ErrorCode      string
	CorrelationKey string
	Timeout        string

	// Boundary event extensions. CancelActivity doubles as the
	// isInterrupting flag on event subprocess start events.
	AttachedTo     string
	CancelActivity bool

	// Task extensions
	Script          string
	ServiceTaskName string
	Properties      map[string]string

	// Compensation wiring: handler activity for a compensation boundary,
	// registration order for a handler activity, target of an explicit
	// compensation throw (empty = compensate the whole scope).
	CompensationHandler   string
	ForCompensation       bool
	ExecutionOrder        *int
	CompensateActivityRef string

	// Gateway default flow
	DefaultFlow string

	// Subprocess output variable mapping (scope name -> parent name)
	OutputVars map[string]string

	sealed bool
}

// IsActivity reports whether boundary events may attach to the node
func (n *Node) IsActivity() bool {
	switch n.Type {
	case NodeTask, NodeScriptTask, NodeServiceTask, NodeSubprocess, NodeTransaction:
		return true
	}
	return false
}

// IsGateway reports whether the node is a gateway
func (n *Node) IsGateway() bool {
	switch n.Type {
	case NodeExclusiveGateway, NodeInclusiveGateway, NodeParallelGateway:
		return true
	}
	return false
}

// Flow is one sequence flow. An empty Condition marks an unconditional
// (or default) flow.
type Flow struct {
	ID        string
	SourceRef string
	TargetRef string
	Condition string
}

// NodeBuilder collects node fragments during parsing
type NodeBuilder struct {
	node Node
}

// NewNodeBuilder starts a builder for a node
func NewNodeBuilder(id string, nodeType NodeType) *NodeBuilder {
	return &NodeBuilder{node: Node{
		ID:    id,
		Type:  nodeType,
		Event: EventNone,
	}}
}

func (b *NodeBuilder) ensureOpen() {
	if b.node.sealed {
		panic("bpmn: node " + b.node.ID + " already sealed")
	}
}

// AddIncoming appends an incoming flow fragment
func (b *NodeBuilder) AddIncoming(flowID string) *NodeBuilder {
	b.ensureOpen()
	b.node.Incoming = append(b.node.Incoming, flowID)
	return b
}

// AddOutgoing appends an outgoing flow fragment
func (b *NodeBuilder) AddOutgoing(flowID string) *NodeBuilder {
	b.ensureOpen()
	b.node.Outgoing = append(b.node.Outgoing, flowID)
	return b
}

// Set mutates the node under construction
func (b *NodeBuilder) Set(fn func(n *Node)) *NodeBuilder {
	b.ensureOpen()
	fn(&b.node)
	return b
}

// Build seals the node; further builder calls panic
func (b *NodeBuilder) Build() *Node {
	b.ensureOpen()
	b.node.sealed = true
	n := b.node
	return &n
}

// ProcessGraph is the immutable parsed process
type ProcessGraph struct {
	ID    string
	Name  string
	Nodes map[string]*Node
	Flows map[string]*Flow

	// order preserves document order; map iteration is not stable
	// enough for flow selection semantics.
	order []*Node
}

// Node returns a node by ID, nil when absent
func (g *ProcessGraph) Node(id string) *Node {
	return g.Nodes[id]
}

// Flow returns a flow by ID, nil when absent
func (g *ProcessGraph) Flow(id string) *Flow {
	return g.Flows[id]
}

// StartEvent returns the root-scope start event (first in document
// order). Timer/message start events in event subprocesses are excluded.
func (g *ProcessGraph) StartEvent() *Node {
	for _, n := range g.ordered() {
		if n.Type == NodeStartEvent && n.Parent == "" {
			return n
		}
	}
	return nil
}

// StartEventFor returns the start event inside the given scope
func (g *ProcessGraph) StartEventFor(scopeID string) *Node {
	for _, n := range g.ordered() {
		if n.Type == NodeStartEvent && n.Parent == scopeID {
			return n
		}
	}
	return nil
}

// FlowsFrom returns a node's outgoing flows in definition order
func (g *ProcessGraph) FlowsFrom(n *Node) []*Flow {
	flows := make([]*Flow, 0, len(n.Outgoing))
	for _, id := range n.Outgoing {
		if f := g.Flows[id]; f != nil {
			flows = append(flows, f)
		}
	}
	return flows
}

// FlowsTo returns a node's incoming flows in definition order
func (g *ProcessGraph) FlowsTo(n *Node) []*Flow {
	flows := make([]*Flow, 0, len(n.Incoming))
	for _, id := range n.Incoming {
		if f := g.Flows[id]; f != nil {
			flows = append(flows, f)
		}
	}
	return flows
}

// Boundaries returns the boundary events attached to an activity
func (g *ProcessGraph) Boundaries(activityID string) []*Node {
	var out []*Node
	for _, n := range g.ordered() {
		if n.Type == NodeBoundaryEvent && n.AttachedTo == activityID {
			out = append(out, n)
		}
	}
	return out
}

// EventSubprocesses returns the event subprocesses in a scope
func (g *ProcessGraph) EventSubprocesses(scopeID string) []*Node {
	var out []*Node
	for _, n := range g.ordered() {
		if n.Type == NodeEventSubprocess && n.Parent == scopeID {
			out = append(out, n)
		}
	}
	return out
}

// Children returns the nodes directly contained in a scope
func (g *ProcessGraph) Children(scopeID string) []*Node {
	var out []*Node
	for _, n := range g.ordered() {
		if n.Parent == scopeID {
			out = append(out, n)
		}
	}
	return out
}

// ordered returns nodes in document order
func (g *ProcessGraph) ordered() []*Node {
	return g.order
}
