package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/common/logger"
	"github.com/fluxline/bpmn-engine/common/redis"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func newStateManager(t *testing.T) *state.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logger.New("error", "json")
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), log)
	t.Cleanup(func() { _ = client.Close() })
	return state.NewManager(state.Opts{Redis: client, Logger: log})
}

func intPtr(v int) *int { return &v }

func TestOrderHandlersReverseRegistration(t *testing.T) {
	handlers := []*sdk.CompensationHandler{
		{ActivityID: "a", Seq: 1},
		{ActivityID: "b", Seq: 2},
		{ActivityID: "c", Seq: 3},
	}
	ordered := OrderHandlers(handlers)
	assert.Equal(t, "c", ordered[0].ActivityID)
	assert.Equal(t, "b", ordered[1].ActivityID)
	assert.Equal(t, "a", ordered[2].ActivityID)
}

func TestOrderHandlersExplicitOrderFirst(t *testing.T) {
	handlers := []*sdk.CompensationHandler{
		{ActivityID: "a", Seq: 1},
		{ActivityID: "b", Seq: 2, ExecutionOrder: intPtr(2)},
		{ActivityID: "c", Seq: 3, ExecutionOrder: intPtr(1)},
		{ActivityID: "d", Seq: 4},
	}
	ordered := OrderHandlers(handlers)
	ids := make([]string, len(ordered))
	for i, h := range ordered {
		ids[i] = h.ActivityID
	}
	assert.Equal(t, []string{"c", "b", "d", "a"}, ids)
}

const sagaGraphXML = `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <task id="book_flight"/>
    <task id="book_hotel"/>
    <task id="cancel_flight" isForCompensation="true"/>
    <task id="cancel_hotel" isForCompensation="true"/>
    <transaction id="tx1">
      <startEvent id="ts"/>
      <task id="charge"/>
      <endEvent id="te"/>
      <sequenceFlow id="tf0" sourceRef="ts" targetRef="charge"/>
      <sequenceFlow id="tf1" sourceRef="charge" targetRef="te"/>
    </transaction>
    <endEvent id="e"/>
    <sequenceFlow id="f0" sourceRef="s" targetRef="book_flight"/>
    <sequenceFlow id="f1" sourceRef="book_flight" targetRef="book_hotel"/>
    <sequenceFlow id="f2" sourceRef="book_hotel" targetRef="tx1"/>
    <sequenceFlow id="f3" sourceRef="tx1" targetRef="e"/>
  </process>
</definitions>`

func sagaGraph(t *testing.T) *bpmn.ProcessGraph {
	t.Helper()
	g, err := bpmn.NewParser().Parse([]byte(sagaGraphXML))
	require.NoError(t, err)
	return g
}

func TestCompensateRunsReverseAndRetires(t *testing.T) {
	st := newStateManager(t)
	ctx := context.Background()
	g := sagaGraph(t)

	require.NoError(t, st.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
		InstanceID: "inst-1", ActivityID: "book_flight", HandlerID: "cancel_flight",
		ActivityData: map[string]interface{}{"ref": "FL-1"},
	}))
	require.NoError(t, st.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
		InstanceID: "inst-1", ActivityID: "book_hotel", HandlerID: "cancel_hotel",
		ActivityData: map[string]interface{}{"ref": "HO-1"},
	}))

	var ran []string
	c := NewCompensator(Opts{
		State:  st,
		Logger: logger.New("error", "json"),
		Run: func(ctx context.Context, handlerID, scopeID string, data map[string]interface{}) error {
			ran = append(ran, handlerID)
			return nil
		},
	})

	n, err := c.Compensate(ctx, g, "inst-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"cancel_hotel", "cancel_flight"}, ran)

	// retired handlers do not run twice
	ran = nil
	n, err = c.Compensate(ctx, g, "inst-1", "", "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ran)
}

func TestCompensateSingleActivity(t *testing.T) {
	st := newStateManager(t)
	ctx := context.Background()
	g := sagaGraph(t)

	require.NoError(t, st.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
		InstanceID: "inst-1", ActivityID: "book_flight", HandlerID: "cancel_flight",
	}))
	require.NoError(t, st.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
		InstanceID: "inst-1", ActivityID: "book_hotel", HandlerID: "cancel_hotel",
	}))

	var ran []string
	c := NewCompensator(Opts{
		State:  st,
		Logger: logger.New("error", "json"),
		Run: func(ctx context.Context, handlerID, scopeID string, data map[string]interface{}) error {
			ran = append(ran, handlerID)
			return nil
		},
	})

	n, err := c.Compensate(ctx, g, "inst-1", "", "book_hotel")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"cancel_hotel"}, ran)
}

func TestCompensateDoesNotCrossTransactionBoundary(t *testing.T) {
	st := newStateManager(t)
	ctx := context.Background()
	g := sagaGraph(t)

	require.NoError(t, st.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
		InstanceID: "inst-1", ActivityID: "book_flight", HandlerID: "cancel_flight",
	}))
	require.NoError(t, st.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
		InstanceID: "inst-1", ActivityID: "charge", HandlerID: "refund", ScopeID: "tx1",
	}))

	var ran []string
	c := NewCompensator(Opts{
		State:  st,
		Logger: logger.New("error", "json"),
		Run: func(ctx context.Context, handlerID, scopeID string, data map[string]interface{}) error {
			ran = append(ran, handlerID)
			return nil
		},
	})

	// compensating the root scope skips handlers inside the transaction
	n, err := c.Compensate(ctx, g, "inst-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"cancel_flight"}, ran)

	// compensating the transaction itself reaches them
	ran = nil
	n, err = c.Compensate(ctx, g, "inst-1", "tx1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"refund"}, ran)
}

func TestCompensateHandlerFailure(t *testing.T) {
	st := newStateManager(t)
	ctx := context.Background()
	g := sagaGraph(t)

	require.NoError(t, st.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
		InstanceID: "inst-1", ActivityID: "book_flight", HandlerID: "cancel_flight",
	}))

	c := NewCompensator(Opts{
		State:  st,
		Logger: logger.New("error", "json"),
		Run: func(ctx context.Context, handlerID, scopeID string, data map[string]interface{}) error {
			return errors.New("downstream unavailable")
		},
	})

	_, err := c.Compensate(ctx, g, "inst-1", "", "")
	require.Error(t, err)
	assert.Equal(t, sdk.CodeCompensationFailed, sdk.CodeOf(err))
}
