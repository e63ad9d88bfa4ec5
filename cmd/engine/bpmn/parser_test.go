package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

const orderProcessXML = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"
             xmlns:flux="http://fluxline.io/schema/bpmn-engine">
  <process id="order_process" name="Order Process">
    <startEvent id="start"/>
    <scriptTask id="prepare" name="Prepare">
      <script>set_variable("amount", 1500)
result = true</script>
    </scriptTask>
    <serviceTask id="charge" name="Charge Card">
      <extensionElements>
        <flux:taskConfig name="payment.charge">
          <flux:property name="currency" value="EUR"/>
          <flux:property name="retries" value="3"/>
        </flux:taskConfig>
        <flux:timeout>PT30S</flux:timeout>
      </extensionElements>
    </serviceTask>
    <exclusiveGateway id="route" default="flow_small"/>
    <boundaryEvent id="charge_timeout" attachedToRef="charge" cancelActivity="true">
      <timerEventDefinition/>
      <extensionElements>
        <flux:timerEventConfig timerType="duration" timerValue="PT10S"/>
      </extensionElements>
    </boundaryEvent>
    <subProcess id="fulfil" name="Fulfilment">
      <extensionElements>
        <flux:outputVar source="tracking" target="tracking_number"/>
      </extensionElements>
      <startEvent id="fulfil_start"/>
      <task id="ship" name="Ship"/>
      <endEvent id="fulfil_end"/>
      <sequenceFlow id="ff1" sourceRef="fulfil_start" targetRef="ship"/>
      <sequenceFlow id="ff2" sourceRef="ship" targetRef="fulfil_end"/>
    </subProcess>
    <endEvent id="end_big"/>
    <endEvent id="end_small"/>
    <sequenceFlow id="flow_1" sourceRef="start" targetRef="prepare"/>
    <sequenceFlow id="flow_2" sourceRef="prepare" targetRef="charge"/>
    <sequenceFlow id="flow_3" sourceRef="charge" targetRef="route"/>
    <sequenceFlow id="flow_big" sourceRef="route" targetRef="fulfil">
      <conditionExpression>${amount &gt; 1000}</conditionExpression>
    </sequenceFlow>
    <sequenceFlow id="flow_small" sourceRef="route" targetRef="end_small"/>
    <sequenceFlow id="flow_4" sourceRef="fulfil" targetRef="end_big"/>
    <sequenceFlow id="flow_t" sourceRef="charge_timeout" targetRef="end_small"/>
  </process>
</definitions>`

func TestParseOrderProcess(t *testing.T) {
	g, err := NewParser().Parse([]byte(orderProcessXML))
	require.NoError(t, err)

	assert.Equal(t, "order_process", g.ID)
	assert.Equal(t, "Order Process", g.Name)

	start := g.StartEvent()
	require.NotNil(t, start)
	assert.Equal(t, "start", start.ID)

	prepare := g.Node("prepare")
	require.NotNil(t, prepare)
	assert.Equal(t, NodeScriptTask, prepare.Type)
	assert.Contains(t, prepare.Script, `set_variable("amount", 1500)`)

	charge := g.Node("charge")
	require.NotNil(t, charge)
	assert.Equal(t, NodeServiceTask, charge.Type)
	assert.Equal(t, "payment.charge", charge.ServiceTaskName)
	assert.Equal(t, "EUR", charge.Properties["currency"])
	assert.Equal(t, "PT30S", charge.Timeout)

	route := g.Node("route")
	require.NotNil(t, route)
	assert.Equal(t, "flow_small", route.DefaultFlow)
	flows := g.FlowsFrom(route)
	require.Len(t, flows, 2)
	assert.Equal(t, "flow_big", flows[0].ID)
	assert.Equal(t, "${amount > 1000}", flows[0].Condition)
	assert.Empty(t, flows[1].Condition)
}

func TestParseBoundaryTimer(t *testing.T) {
	g, err := NewParser().Parse([]byte(orderProcessXML))
	require.NoError(t, err)

	boundaries := g.Boundaries("charge")
	require.Len(t, boundaries, 1)
	be := boundaries[0]
	assert.Equal(t, NodeBoundaryEvent, be.Type)
	assert.Equal(t, EventTimer, be.Event)
	assert.True(t, be.CancelActivity)
	require.NotNil(t, be.Timer)
	assert.Equal(t, sdk.TimerDuration, be.Timer.Type)
	assert.Equal(t, "PT10S", be.Timer.Value)
}

func TestParseSubprocessScope(t *testing.T) {
	g, err := NewParser().Parse([]byte(orderProcessXML))
	require.NoError(t, err)

	fulfil := g.Node("fulfil")
	require.NotNil(t, fulfil)
	assert.Equal(t, NodeSubprocess, fulfil.Type)
	assert.Equal(t, map[string]string{"tracking": "tracking_number"}, fulfil.OutputVars)

	ship := g.Node("ship")
	require.NotNil(t, ship)
	assert.Equal(t, "fulfil", ship.Parent)

	inner := g.StartEventFor("fulfil")
	require.NotNil(t, inner)
	assert.Equal(t, "fulfil_start", inner.ID)

	// root lookup must not surface the nested start
	assert.Equal(t, "start", g.StartEvent().ID)
}

func TestParseCompensationAssociation(t *testing.T) {
	xmlDoc := `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <serviceTask id="book" name="book">
      <extensionElements><taskConfig name="book"/></extensionElements>
    </serviceTask>
    <boundaryEvent id="book_comp" attachedToRef="book">
      <compensateEventDefinition/>
    </boundaryEvent>
    <serviceTask id="cancel_book" name="cancel" isForCompensation="true">
      <extensionElements>
        <taskConfig name="cancel"/>
        <executionOrder>2</executionOrder>
      </extensionElements>
    </serviceTask>
    <association id="a1" sourceRef="book_comp" targetRef="cancel_book"/>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="book"/>
    <sequenceFlow id="f2" sourceRef="book" targetRef="e"/>
  </process>
</definitions>`

	g, err := NewParser().Parse([]byte(xmlDoc))
	require.NoError(t, err)

	be := g.Node("book_comp")
	require.NotNil(t, be)
	assert.Equal(t, EventCompensation, be.Event)
	assert.Equal(t, "cancel_book", be.CompensationHandler)

	handler := g.Node("cancel_book")
	require.NotNil(t, handler)
	assert.True(t, handler.ForCompensation)
	require.NotNil(t, handler.ExecutionOrder)
	assert.Equal(t, 2, *handler.ExecutionOrder)
}

func TestParseMessageAndSignalEvents(t *testing.T) {
	xmlDoc := `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <intermediateCatchEvent id="wait_pay">
      <messageEventDefinition messageRef="payment_received"/>
      <extensionElements>
        <correlationKey>${order_id}</correlationKey>
        <timeout>PT1H</timeout>
      </extensionElements>
    </intermediateCatchEvent>
    <intermediateThrowEvent id="announce">
      <signalEventDefinition signalRef="order_done"/>
    </intermediateThrowEvent>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="wait_pay"/>
    <sequenceFlow id="f2" sourceRef="wait_pay" targetRef="announce"/>
    <sequenceFlow id="f3" sourceRef="announce" targetRef="e"/>
  </process>
</definitions>`

	g, err := NewParser().Parse([]byte(xmlDoc))
	require.NoError(t, err)

	wait := g.Node("wait_pay")
	require.NotNil(t, wait)
	assert.Equal(t, EventMessage, wait.Event)
	assert.Equal(t, "payment_received", wait.MessageName)
	assert.Equal(t, "${order_id}", wait.CorrelationKey)
	assert.Equal(t, "PT1H", wait.Timeout)

	announce := g.Node("announce")
	require.NotNil(t, announce)
	assert.Equal(t, EventSignal, announce.Event)
	assert.Equal(t, "order_done", announce.SignalName)
}

func TestParseDuplicateID(t *testing.T) {
	xmlDoc := `<definitions>
  <process id="p">
    <startEvent id="dup"/>
    <task id="dup"/>
    <endEvent id="e"/>
  </process>
</definitions>`

	_, err := NewParser().Parse([]byte(xmlDoc))
	require.Error(t, err)
	assert.Equal(t, sdk.CodeDuplicateID, sdk.CodeOf(err))
}

func TestParseMalformedXML(t *testing.T) {
	_, err := NewParser().Parse([]byte(`<definitions><process id="p">`))
	require.Error(t, err)
	assert.Equal(t, sdk.CodeInvalidBPMN, sdk.CodeOf(err))
}

func TestParseMissingProcess(t *testing.T) {
	_, err := NewParser().Parse([]byte(`<definitions></definitions>`))
	require.Error(t, err)
	assert.Equal(t, sdk.CodeInvalidBPMN, sdk.CodeOf(err))
}

func TestParseEmptyTimerDefinition(t *testing.T) {
	xmlDoc := `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <intermediateCatchEvent id="t">
      <timerEventDefinition/>
    </intermediateCatchEvent>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="t"/>
    <sequenceFlow id="f2" sourceRef="t" targetRef="e"/>
  </process>
</definitions>`

	_, err := NewParser().Parse([]byte(xmlDoc))
	require.Error(t, err)
	assert.Equal(t, sdk.CodeTimerInvalid, sdk.CodeOf(err))
}

func TestParseTransactionAndEventSubprocess(t *testing.T) {
	xmlDoc := `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <transaction id="tx">
      <startEvent id="tx_s"/>
      <task id="tx_task"/>
      <endEvent id="tx_e"/>
      <sequenceFlow id="tf1" sourceRef="tx_s" targetRef="tx_task"/>
      <sequenceFlow id="tf2" sourceRef="tx_task" targetRef="tx_e"/>
    </transaction>
    <subProcess id="on_error" triggeredByEvent="true">
      <startEvent id="oe_s">
        <errorEventDefinition errorRef="E_PAYMENT"/>
      </startEvent>
      <task id="oe_task"/>
      <endEvent id="oe_e"/>
      <sequenceFlow id="of1" sourceRef="oe_s" targetRef="oe_task"/>
      <sequenceFlow id="of2" sourceRef="oe_task" targetRef="oe_e"/>
    </subProcess>
    <endEvent id="e"/>
    <sequenceFlow id="f1" sourceRef="s" targetRef="tx"/>
    <sequenceFlow id="f2" sourceRef="tx" targetRef="e"/>
  </process>
</definitions>`

	g, err := NewParser().Parse([]byte(xmlDoc))
	require.NoError(t, err)

	tx := g.Node("tx")
	require.NotNil(t, tx)
	assert.Equal(t, NodeTransaction, tx.Type)

	esp := g.Node("on_error")
	require.NotNil(t, esp)
	assert.Equal(t, NodeEventSubprocess, esp.Type)

	subs := g.EventSubprocesses("")
	require.Len(t, subs, 1)
	assert.Equal(t, "on_error", subs[0].ID)

	start := g.StartEventFor("on_error")
	require.NotNil(t, start)
	assert.Equal(t, EventError, start.Event)
	assert.Equal(t, "E_PAYMENT", start.ErrorCode)
}
