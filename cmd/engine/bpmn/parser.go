package bpmn

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Parser turns BPMN 2.0 XML into a ProcessGraph. Vendor extensions live
// under extensionElements and are matched by local name, so any prefix
// bound to the engine namespace works.
type Parser struct{}

// NewParser creates a parser
func NewParser() *Parser {
	return &Parser{}
}

type xmlDefinitions struct {
	XMLName xml.Name    `xml:"definitions"`
	Process *xmlProcess `xml:"process"`
}

type xmlProcess struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
	xmlContainer
}

// xmlContainer holds the flow elements of one scope. Subprocesses embed
// it recursively.
type xmlContainer struct {
	StartEvents       []xmlEvent        `xml:"startEvent"`
	EndEvents         []xmlEvent        `xml:"endEvent"`
	CatchEvents       []xmlEvent        `xml:"intermediateCatchEvent"`
	ThrowEvents       []xmlEvent        `xml:"intermediateThrowEvent"`
	BoundaryEvents    []xmlEvent        `xml:"boundaryEvent"`
	Tasks             []xmlTask         `xml:"task"`
	ScriptTasks       []xmlTask         `xml:"scriptTask"`
	ServiceTasks      []xmlTask         `xml:"serviceTask"`
	ExclusiveGateways []xmlGateway      `xml:"exclusiveGateway"`
	InclusiveGateways []xmlGateway      `xml:"inclusiveGateway"`
	ParallelGateways  []xmlGateway      `xml:"parallelGateway"`
	SubProcesses      []xmlSubProcess   `xml:"subProcess"`
	Transactions      []xmlSubProcess   `xml:"transaction"`
	SequenceFlows     []xmlSequenceFlow `xml:"sequenceFlow"`
	Associations      []xmlAssociation  `xml:"association"`
}

type xmlEvent struct {
	ID             string            `xml:"id,attr"`
	Name           string            `xml:"name,attr"`
	AttachedToRef  string            `xml:"attachedToRef,attr"`
	CancelActivity string            `xml:"cancelActivity,attr"`
	IsInterrupting string            `xml:"isInterrupting,attr"`
	TimerDef       *xmlTimerDef      `xml:"timerEventDefinition"`
	MessageDef     *xmlMessageDef    `xml:"messageEventDefinition"`
	SignalDef      *xmlSignalDef     `xml:"signalEventDefinition"`
	ErrorDef       *xmlErrorDef      `xml:"errorEventDefinition"`
	CompensateDef  *xmlCompensateDef `xml:"compensateEventDefinition"`
	CancelDef      *xmlEmptyDef      `xml:"cancelEventDefinition"`
	Extensions     *xmlExtensions    `xml:"extensionElements"`
}

type xmlEmptyDef struct{}

type xmlTimerDef struct {
	TimeDuration string `xml:"timeDuration"`
	TimeDate     string `xml:"timeDate"`
	TimeCycle    string `xml:"timeCycle"`
}

type xmlMessageDef struct {
	MessageRef string `xml:"messageRef,attr"`
}

type xmlSignalDef struct {
	SignalRef string `xml:"signalRef,attr"`
}

type xmlErrorDef struct {
	ErrorRef string `xml:"errorRef,attr"`
}

type xmlCompensateDef struct {
	ActivityRef string `xml:"activityRef,attr"`
}

type xmlTask struct {
	ID                string         `xml:"id,attr"`
	Name              string         `xml:"name,attr"`
	IsForCompensation string         `xml:"isForCompensation,attr"`
	Script            string         `xml:"script"`
	Extensions        *xmlExtensions `xml:"extensionElements"`
}

type xmlGateway struct {
	ID      string `xml:"id,attr"`
	Name    string `xml:"name,attr"`
	Default string `xml:"default,attr"`
}

type xmlSubProcess struct {
	ID               string         `xml:"id,attr"`
	Name             string         `xml:"name,attr"`
	TriggeredByEvent string         `xml:"triggeredByEvent,attr"`
	Extensions       *xmlExtensions `xml:"extensionElements"`
	xmlContainer
}

type xmlSequenceFlow struct {
	ID        string `xml:"id,attr"`
	SourceRef string `xml:"sourceRef,attr"`
	TargetRef string `xml:"targetRef,attr"`
	Condition string `xml:"conditionExpression"`
}

type xmlAssociation struct {
	ID        string `xml:"id,attr"`
	SourceRef string `xml:"sourceRef,attr"`
	TargetRef string `xml:"targetRef,attr"`
}

// Vendor extension payload. Tag names carry no namespace so the fields
// match the engine prefix regardless of how the document binds it.
type xmlExtensions struct {
	Script         string          `xml:"script"`
	Timeout        string          `xml:"timeout"`
	CorrelationKey string          `xml:"correlationKey"`
	ExecutionOrder string          `xml:"executionOrder"`
	TimerConfig    *xmlTimerConfig `xml:"timerEventConfig"`
	TaskConfig     *xmlTaskConfig  `xml:"taskConfig"`
	OutputVars     []xmlOutputVar  `xml:"outputVar"`
}

type xmlTimerConfig struct {
	TimerType  string `xml:"timerType,attr"`
	TimerValue string `xml:"timerValue,attr"`
}

type xmlTaskConfig struct {
	Name       string        `xml:"name,attr"`
	Properties []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlOutputVar struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

// parseState accumulates nodes and flows across nested scopes
type parseState struct {
	nodes map[string]*Node
	flows map[string]*Flow
	order []*Node
	// associations across all scopes, resolved after collection
	associations []xmlAssociation
}

// Parse builds the process graph from BPMN XML. The graph is not yet
// validated; callers run Validate separately.
func (p *Parser) Parse(data []byte) (*ProcessGraph, error) {
	var defs xmlDefinitions
	if err := xml.Unmarshal(data, &defs); err != nil {
		return nil, sdk.WrapError(sdk.CodeInvalidBPMN, "malformed XML", err)
	}
	if defs.Process == nil {
		return nil, sdk.NewError(sdk.CodeInvalidBPMN, "document contains no process")
	}

	st := &parseState{
		nodes: make(map[string]*Node),
		flows: make(map[string]*Flow),
	}

	if err := p.collectScope(st, &defs.Process.xmlContainer, ""); err != nil {
		return nil, err
	}

	p.resolveCompensationHandlers(st)

	g := &ProcessGraph{
		ID:    defs.Process.ID,
		Name:  defs.Process.Name,
		Nodes: st.nodes,
		Flows: st.flows,
		order: st.order,
	}
	if g.ID == "" {
		return nil, sdk.NewError(sdk.CodeInvalidBPMN, "process is missing an id")
	}
	return g, nil
}

// collectScope converts one container's elements to nodes, recursing
// into subprocesses, then wires flows onto the new nodes.
func (p *Parser) collectScope(st *parseState, c *xmlContainer, parent string) error {
	for i := range c.StartEvents {
		if err := p.addEvent(st, &c.StartEvents[i], NodeStartEvent, parent); err != nil {
			return err
		}
	}
	for i := range c.EndEvents {
		if err := p.addEvent(st, &c.EndEvents[i], NodeEndEvent, parent); err != nil {
			return err
		}
	}
	for i := range c.CatchEvents {
		if err := p.addEvent(st, &c.CatchEvents[i], NodeIntermediateEvent, parent); err != nil {
			return err
		}
	}
	for i := range c.ThrowEvents {
		if err := p.addThrowEvent(st, &c.ThrowEvents[i], parent); err != nil {
			return err
		}
	}
	for i := range c.BoundaryEvents {
		if err := p.addEvent(st, &c.BoundaryEvents[i], NodeBoundaryEvent, parent); err != nil {
			return err
		}
	}
	for i := range c.Tasks {
		if err := p.addTask(st, &c.Tasks[i], NodeTask, parent); err != nil {
			return err
		}
	}
	for i := range c.ScriptTasks {
		if err := p.addTask(st, &c.ScriptTasks[i], NodeScriptTask, parent); err != nil {
			return err
		}
	}
	for i := range c.ServiceTasks {
		if err := p.addTask(st, &c.ServiceTasks[i], NodeServiceTask, parent); err != nil {
			return err
		}
	}
	for i := range c.ExclusiveGateways {
		if err := p.addGateway(st, &c.ExclusiveGateways[i], NodeExclusiveGateway, parent); err != nil {
			return err
		}
	}
	for i := range c.InclusiveGateways {
		if err := p.addGateway(st, &c.InclusiveGateways[i], NodeInclusiveGateway, parent); err != nil {
			return err
		}
	}
	for i := range c.ParallelGateways {
		if err := p.addGateway(st, &c.ParallelGateways[i], NodeParallelGateway, parent); err != nil {
			return err
		}
	}
	for i := range c.SubProcesses {
		if err := p.addSubprocess(st, &c.SubProcesses[i], false, parent); err != nil {
			return err
		}
	}
	for i := range c.Transactions {
		if err := p.addSubprocess(st, &c.Transactions[i], true, parent); err != nil {
			return err
		}
	}

	for i := range c.SequenceFlows {
		if err := p.addFlow(st, &c.SequenceFlows[i]); err != nil {
			return err
		}
	}
	st.associations = append(st.associations, c.Associations...)
	return nil
}

func (p *Parser) register(st *parseState, b *NodeBuilder) error {
	n := b.Build()
	if n.ID == "" {
		return sdk.NewError(sdk.CodeInvalidBPMN, "element is missing an id")
	}
	if _, dup := st.nodes[n.ID]; dup {
		return sdk.Errorf(sdk.CodeDuplicateID, "duplicate element id %q", n.ID)
	}
	st.nodes[n.ID] = n
	st.order = append(st.order, n)
	return nil
}

func (p *Parser) addEvent(st *parseState, e *xmlEvent, nodeType NodeType, parent string) error {
	b := NewNodeBuilder(e.ID, nodeType).Set(func(n *Node) {
		n.Name = e.Name
		n.Parent = parent
	})

	if nodeType == NodeStartEvent {
		// isInterrupting defaults to true; only event subprocess starts
		// carry a meaningful value.
		interrupting := e.IsInterrupting != "false"
		b.Set(func(n *Node) { n.CancelActivity = interrupting })
	}

	if nodeType == NodeBoundaryEvent {
		if e.AttachedToRef == "" {
			return sdk.Errorf(sdk.CodeInvalidBPMN, "boundary event %q has no attachedToRef", e.ID)
		}
		// cancelActivity defaults to true per the standard
		interrupting := e.CancelActivity != "false"
		b.Set(func(n *Node) {
			n.AttachedTo = e.AttachedToRef
			n.CancelActivity = interrupting
		})
	}

	switch {
	case e.TimerDef != nil:
		cfg, err := timerConfig(e)
		if err != nil {
			return err
		}
		b.Set(func(n *Node) {
			n.Event = EventTimer
			n.Timer = cfg
		})
	case e.MessageDef != nil:
		if e.MessageDef.MessageRef == "" {
			return sdk.Errorf(sdk.CodeInvalidBPMN, "message event %q has no messageRef", e.ID)
		}
		b.Set(func(n *Node) {
			n.Event = EventMessage
			n.MessageName = e.MessageDef.MessageRef
		})
	case e.SignalDef != nil:
		if e.SignalDef.SignalRef == "" {
			return sdk.Errorf(sdk.CodeInvalidBPMN, "signal event %q has no signalRef", e.ID)
		}
		b.Set(func(n *Node) {
			n.Event = EventSignal
			n.SignalName = e.SignalDef.SignalRef
		})
	case e.ErrorDef != nil:
		code := e.ErrorDef.ErrorRef
		b.Set(func(n *Node) {
			n.Event = EventError
			n.ErrorCode = code
		})
	case e.CompensateDef != nil:
		ref := e.CompensateDef.ActivityRef
		b.Set(func(n *Node) {
			n.Event = EventCompensation
			n.CompensateActivityRef = ref
		})
	case e.CancelDef != nil:
		b.Set(func(n *Node) {
			n.Event = EventCancel
		})
	}

	if ext := e.Extensions; ext != nil {
		b.Set(func(n *Node) {
			if v := strings.TrimSpace(ext.CorrelationKey); v != "" {
				n.CorrelationKey = v
			}
			if v := strings.TrimSpace(ext.Timeout); v != "" {
				n.Timeout = v
			}
		})
	}

	return p.register(st, b)
}

// addThrowEvent registers an intermediate throw event; the Throwing
// flag is what separates it from a catch at execution time.
func (p *Parser) addThrowEvent(st *parseState, e *xmlEvent, parent string) error {
	if err := p.addEvent(st, e, NodeIntermediateEvent, parent); err != nil {
		return err
	}
	st.nodes[e.ID].Throwing = true
	return nil
}

// timerConfig prefers the vendor timerEventConfig extension and falls
// back to the standard timeDuration/timeDate/timeCycle children.
func timerConfig(e *xmlEvent) (*TimerConfig, error) {
	if e.Extensions != nil && e.Extensions.TimerConfig != nil {
		tc := e.Extensions.TimerConfig
		switch sdk.TimerType(tc.TimerType) {
		case sdk.TimerDuration, sdk.TimerDate, sdk.TimerCycle:
			return &TimerConfig{Type: sdk.TimerType(tc.TimerType), Value: strings.TrimSpace(tc.TimerValue)}, nil
		}
		return nil, sdk.Errorf(sdk.CodeTimerInvalid, "timer event %q has unknown timer type %q", e.ID, tc.TimerType)
	}

	td := e.TimerDef
	switch {
	case strings.TrimSpace(td.TimeDuration) != "":
		return &TimerConfig{Type: sdk.TimerDuration, Value: strings.TrimSpace(td.TimeDuration)}, nil
	case strings.TrimSpace(td.TimeDate) != "":
		return &TimerConfig{Type: sdk.TimerDate, Value: strings.TrimSpace(td.TimeDate)}, nil
	case strings.TrimSpace(td.TimeCycle) != "":
		return &TimerConfig{Type: sdk.TimerCycle, Value: strings.TrimSpace(td.TimeCycle)}, nil
	}
	return nil, sdk.Errorf(sdk.CodeTimerInvalid, "timer event %q has an empty timer definition", e.ID)
}

func (p *Parser) addTask(st *parseState, t *xmlTask, nodeType NodeType, parent string) error {
	b := NewNodeBuilder(t.ID, nodeType).Set(func(n *Node) {
		n.Name = t.Name
		n.Parent = parent
		n.ForCompensation = t.IsForCompensation == "true"
	})

	if nodeType == NodeScriptTask {
		script := strings.TrimSpace(t.Script)
		if script == "" && t.Extensions != nil {
			script = strings.TrimSpace(t.Extensions.Script)
		}
		b.Set(func(n *Node) { n.Script = script })
	}

	if ext := t.Extensions; ext != nil {
		b.Set(func(n *Node) {
			if ext.TaskConfig != nil {
				n.ServiceTaskName = ext.TaskConfig.Name
				if len(ext.TaskConfig.Properties) > 0 {
					n.Properties = make(map[string]string, len(ext.TaskConfig.Properties))
					for _, prop := range ext.TaskConfig.Properties {
						n.Properties[prop.Name] = prop.Value
					}
				}
			}
			if v := strings.TrimSpace(ext.Timeout); v != "" {
				n.Timeout = v
			}
		})
		if v := strings.TrimSpace(ext.ExecutionOrder); v != "" {
			order, err := strconv.Atoi(v)
			if err != nil {
				return sdk.Errorf(sdk.CodeInvalidBPMN, "task %q has non-numeric executionOrder %q", t.ID, v)
			}
			b.Set(func(n *Node) { n.ExecutionOrder = &order })
		}
	}

	if nodeType == NodeServiceTask {
		// fall back to the element name as the registry key
		b.Set(func(n *Node) {
			if n.ServiceTaskName == "" {
				n.ServiceTaskName = t.Name
			}
		})
	}

	return p.register(st, b)
}

func (p *Parser) addGateway(st *parseState, gw *xmlGateway, nodeType NodeType, parent string) error {
	b := NewNodeBuilder(gw.ID, nodeType).Set(func(n *Node) {
		n.Name = gw.Name
		n.Parent = parent
		n.DefaultFlow = gw.Default
	})
	return p.register(st, b)
}

func (p *Parser) addSubprocess(st *parseState, sp *xmlSubProcess, transaction bool, parent string) error {
	nodeType := NodeSubprocess
	switch {
	case transaction:
		nodeType = NodeTransaction
	case sp.TriggeredByEvent == "true":
		nodeType = NodeEventSubprocess
	}

	b := NewNodeBuilder(sp.ID, nodeType).Set(func(n *Node) {
		n.Name = sp.Name
		n.Parent = parent
	})
	if ext := sp.Extensions; ext != nil && len(ext.OutputVars) > 0 {
		b.Set(func(n *Node) {
			n.OutputVars = make(map[string]string, len(ext.OutputVars))
			for _, ov := range ext.OutputVars {
				n.OutputVars[ov.Source] = ov.Target
			}
		})
	}
	if err := p.register(st, b); err != nil {
		return err
	}

	return p.collectScope(st, &sp.xmlContainer, sp.ID)
}

func (p *Parser) addFlow(st *parseState, f *xmlSequenceFlow) error {
	if f.ID == "" {
		return sdk.NewError(sdk.CodeInvalidBPMN, "sequence flow is missing an id")
	}
	if _, dup := st.flows[f.ID]; dup {
		return sdk.Errorf(sdk.CodeDuplicateID, "duplicate flow id %q", f.ID)
	}
	if _, dup := st.nodes[f.ID]; dup {
		return sdk.Errorf(sdk.CodeDuplicateID, "flow id %q collides with an element id", f.ID)
	}

	flow := &Flow{
		ID:        f.ID,
		SourceRef: f.SourceRef,
		TargetRef: f.TargetRef,
		Condition: strings.TrimSpace(f.Condition),
	}
	st.flows[f.ID] = flow

	// Incoming/outgoing fragments are derived from the flow list itself;
	// document <incoming>/<outgoing> children are redundant and ignored.
	if src := st.nodes[f.SourceRef]; src != nil {
		src.Outgoing = append(src.Outgoing, f.ID)
	}
	if dst := st.nodes[f.TargetRef]; dst != nil {
		dst.Incoming = append(dst.Incoming, f.ID)
	}
	return nil
}

// resolveCompensationHandlers wires compensation boundary events to
// their handler activities via associations.
func (p *Parser) resolveCompensationHandlers(st *parseState) {
	for _, a := range st.associations {
		src := st.nodes[a.SourceRef]
		dst := st.nodes[a.TargetRef]
		if src == nil || dst == nil {
			continue
		}
		if src.Type == NodeBoundaryEvent && src.Event == EventCompensation && dst.ForCompensation {
			src.CompensationHandler = dst.ID
		}
	}
}
