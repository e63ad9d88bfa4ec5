package subprocess

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/cmd/engine/token"
	"github.com/fluxline/bpmn-engine/common/logger"
	"github.com/fluxline/bpmn-engine/common/redis"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

type fixture struct {
	mgr    *Manager
	state  *state.Manager
	tokens *token.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logger.New("error", "json")
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), log)
	t.Cleanup(func() { _ = client.Close() })

	st := state.NewManager(state.Opts{Redis: client, Logger: log})
	tm := token.NewManager(token.Opts{State: st, Logger: log})
	m := NewManager(Opts{State: st, Tokens: tm, Logger: log})
	return &fixture{mgr: m, state: st, tokens: tm}
}

func parseGraph(t *testing.T, doc string) *bpmn.ProcessGraph {
	t.Helper()
	g, err := bpmn.NewParser().Parse([]byte(doc))
	require.NoError(t, err)
	return g
}

const subprocessXML = `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <subProcess id="sub1">
      <extensionElements>
        <outputVar source="total" target="grand_total"/>
      </extensionElements>
      <startEvent id="ss"/>
      <task id="st"/>
      <endEvent id="se"/>
      <sequenceFlow id="sf0" sourceRef="ss" targetRef="st"/>
      <sequenceFlow id="sf1" sourceRef="st" targetRef="se"/>
    </subProcess>
    <endEvent id="e"/>
    <sequenceFlow id="f0" sourceRef="s" targetRef="sub1"/>
    <sequenceFlow id="f1" sourceRef="sub1" targetRef="e"/>
  </process>
</definitions>`

func TestScopePathHelpers(t *testing.T) {
	assert.Equal(t, "sub1", ScopeNodeID("sub1"))
	assert.Equal(t, "tx", ScopeNodeID("sub1/tx"))
	assert.Equal(t, "", ParentPath("sub1"))
	assert.Equal(t, "sub1", ParentPath("sub1/tx"))
	assert.Equal(t, "sub1", ChildPath("", "sub1"))
	assert.Equal(t, "sub1/tx", ChildPath("sub1", "tx"))
}

func TestEnterMovesTokenToScopeStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := parseGraph(t, subprocessXML)

	tok, err := f.tokens.CreateInitialToken(ctx, "inst-1", "sub1",
		map[string]interface{}{"order_id": "o-1"})
	require.NoError(t, err)

	next, err := f.mgr.Enter(ctx, g, tok, g.Node("sub1"))
	require.NoError(t, err)
	assert.Equal(t, "ss", next.NodeID)
	assert.Equal(t, "sub1", next.ScopeID)
	assert.Equal(t, "o-1", next.Data["order_id"])

	positions, err := f.state.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "ss", positions[0].NodeID)
}

func TestCompleteMapsOutputsAndResumesParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := parseGraph(t, subprocessXML)

	require.NoError(t, f.state.SetVariable(ctx, "inst-1", "sub1", "total", sdk.NewVariable(99)))
	require.NoError(t, f.state.SetVariable(ctx, "inst-1", "sub1", "scratch", sdk.NewVariable("tmp")))

	tok, err := f.tokens.SpawnToken(ctx, "inst-1", "se", "sub1", sdk.TokenActive,
		map[string]interface{}{"order_id": "o-1"})
	require.NoError(t, err)

	next, err := f.mgr.Complete(ctx, g, tok)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "e", next.NodeID)
	assert.Equal(t, "", next.ScopeID)
	assert.Equal(t, "f1", next.FlowID)

	// mapped variable lands in the parent scope
	v, err := f.state.GetVariable(ctx, "inst-1", "", "grand_total", false)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.EqualValues(t, 99, v.Decode())

	// non-mapped scope variables are purged
	v, err = f.state.GetVariable(ctx, "inst-1", "sub1", "scratch", false)
	require.NoError(t, err)
	assert.Nil(t, v)

	positions, err := f.state.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "e", positions[0].NodeID)
}

func TestCompleteEventSubprocessHasNoContinuation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := parseGraph(t, `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <endEvent id="e"/>
    <sequenceFlow id="f0" sourceRef="s" targetRef="e"/>
    <subProcess id="esp" triggeredByEvent="true">
      <startEvent id="es">
        <signalEventDefinition signalRef="sig"/>
      </startEvent>
      <endEvent id="ee"/>
      <sequenceFlow id="ef0" sourceRef="es" targetRef="ee"/>
    </subProcess>
  </process>
</definitions>`)

	tok, err := f.tokens.SpawnToken(ctx, "inst-1", "ee", "esp", sdk.TokenActive, nil)
	require.NoError(t, err)

	next, err := f.mgr.Complete(ctx, g, tok)
	require.NoError(t, err)
	assert.Nil(t, next)

	positions, err := f.state.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCancelScopePurgesNestedScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tokens.SpawnToken(ctx, "inst-1", "n1", "sub1", sdk.TokenActive, nil)
	require.NoError(t, err)
	_, err = f.tokens.SpawnToken(ctx, "inst-1", "n2", "sub1/tx", sdk.TokenActive, nil)
	require.NoError(t, err)
	_, err = f.tokens.SpawnToken(ctx, "inst-1", "n3", "", sdk.TokenActive, nil)
	require.NoError(t, err)
	require.NoError(t, f.state.SetVariable(ctx, "inst-1", "sub1", "x", sdk.NewVariable(1)))
	require.NoError(t, f.state.SetVariable(ctx, "inst-1", "sub1/tx", "y", sdk.NewVariable(2)))
	require.NoError(t, f.state.SetVariable(ctx, "inst-1", "", "z", sdk.NewVariable(3)))

	require.NoError(t, f.mgr.CancelScope(ctx, "inst-1", "sub1"))

	positions, err := f.state.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "n3", positions[0].NodeID)

	v, err := f.state.GetVariable(ctx, "inst-1", "sub1", "x", false)
	require.NoError(t, err)
	assert.Nil(t, v)

	// nested scopes never complete on their own after a cancel, so their
	// variables must die with the subtree
	v, err = f.state.GetVariable(ctx, "inst-1", "sub1/tx", "y", false)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = f.state.GetVariable(ctx, "inst-1", "", "z", false)
	require.NoError(t, err)
	require.NotNil(t, v)
}
