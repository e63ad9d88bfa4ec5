package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

func TestTimerStateRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	timer := &sdk.TimerState{
		TimerID:    "task_1_boundary",
		InstanceID: "inst-1",
		NodeID:     "timer_1",
		TimerType:  sdk.TimerDuration,
		Definition: "PT2S",
		StartTime:  start,
		EndTime:    start.Add(2 * time.Second),
		ActivityID: "task_1",
	}
	require.NoError(t, m.SaveTimerState(ctx, timer))

	got, err := m.GetTimerState(ctx, "inst-1", "task_1_boundary")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, timer.EndTime, got.EndTime)
	assert.Equal(t, timer.Definition, got.Definition)

	require.NoError(t, m.DeleteTimerState(ctx, "inst-1", "task_1_boundary"))
	got, err = m.GetTimerState(ctx, "inst-1", "task_1_boundary")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListDueTimers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.SaveTimerState(ctx, &sdk.TimerState{
		TimerID: "due", InstanceID: "inst-1", TimerType: sdk.TimerDuration,
		EndTime: now.Add(-time.Second),
	}))
	require.NoError(t, m.SaveTimerState(ctx, &sdk.TimerState{
		TimerID: "pending", InstanceID: "inst-2", TimerType: sdk.TimerDuration,
		EndTime: now.Add(time.Hour),
	}))

	due, err := m.ListDueTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].TimerID)
}

func TestClaimTimerExactlyOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveTimerState(ctx, &sdk.TimerState{
		TimerID: "t1", InstanceID: "inst-1", TimerType: sdk.TimerDuration,
		EndTime: time.Now().UTC(),
	}))

	first, err := m.ClaimTimer(ctx, "inst-1", "t1")
	require.NoError(t, err)
	second, err := m.ClaimTimer(ctx, "inst-1", "t1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestMessageDeliveryWithCorrelation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	type result struct {
		payload map[string]interface{}
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		payload, err := m.WaitForMessage(ctx, "payment_received", "12345", "inst-1", "wait_pay", 5*time.Second)
		resCh <- result{payload, err}
	}()

	// wait until the subscription is visible before delivering
	require.Eventually(t, func() bool {
		n, err := m.CountMessageSubscriptions(ctx, "payment_received")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	delivered, err := m.DeliverMessage(ctx, "payment_received", "12345",
		map[string]interface{}{"status": "approved"})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "approved", res.payload["status"])

	// subscription count invariant: back to zero after the wait returns
	n, err := m.CountMessageSubscriptions(ctx, "payment_received")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessageCorrelationMismatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitForMessage(ctx, "msg", "expected", "inst-1", "n1", 500*time.Millisecond)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		n, err := m.CountMessageSubscriptions(ctx, "msg")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	// wrong correlation reaches nobody
	delivered, err := m.DeliverMessage(ctx, "msg", "other", map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Zero(t, delivered)

	err = <-errCh
	require.Error(t, err)
	assert.Equal(t, sdk.CodeMessageTimeout, sdk.CodeOf(err))
}

func TestMessageTimeoutCleansUp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	before, err := m.CountMessageSubscriptions(ctx, "never")
	require.NoError(t, err)

	_, err = m.WaitForMessage(ctx, "never", "", "inst-1", "n1", 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, sdk.CodeMessageTimeout, sdk.CodeOf(err))
	assert.Contains(t, err.Error(), "100ms")

	after, err := m.CountMessageSubscriptions(ctx, "never")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSignalBroadcast(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	got := make(chan map[string]interface{}, 2)
	for _, node := range []string{"n1", "n2"} {
		go func(node string) {
			payload, err := m.WaitForSignal(ctx, "order_done", "inst-"+node, node, 5*time.Second)
			if err == nil {
				got <- payload
			}
		}(node)
	}

	require.Eventually(t, func() bool {
		keys, err := m.redis.ScanPrefix(ctx, "signal:order_done:")
		return err == nil && len(keys) == 2
	}, 2*time.Second, 10*time.Millisecond)

	reached, err := m.BroadcastSignal(ctx, "order_done",
		map[string]interface{}{"payload": map[string]interface{}{"ok": true}})
	require.NoError(t, err)
	assert.Equal(t, 2, reached)

	for i := 0; i < 2; i++ {
		select {
		case payload := <-got:
			assert.NotNil(t, payload["payload"])
		case <-time.After(5 * time.Second):
			t.Fatal("signal never reached subscriber")
		}
	}
}

func TestSignalInvalidPayload(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.BroadcastSignal(ctx, "s", map[string]interface{}{"payload": nil})
	require.Error(t, err)
	assert.Equal(t, sdk.CodeSignalInvalidPayload, sdk.CodeOf(err))

	_, err = m.BroadcastSignal(ctx, "s", map[string]interface{}{"other": 1})
	require.Error(t, err)
	assert.Equal(t, sdk.CodeSignalInvalidPayload, sdk.CodeOf(err))
}

func TestCompensationHandlerOrdering(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, activity := range []string{"book_flight", "book_hotel", "charge_card"} {
		require.NoError(t, m.StoreCompensationHandler(ctx, &sdk.CompensationHandler{
			InstanceID: "inst-1",
			ActivityID: activity,
			HandlerID:  "undo_" + activity,
		}))
	}

	handlers, err := m.GetAllCompensationHandlers(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, handlers, 3)
	assert.Equal(t, "book_flight", handlers[0].ActivityID)
	assert.Equal(t, 1, handlers[0].Seq)
	assert.Equal(t, "charge_card", handlers[2].ActivityID)
	assert.Equal(t, 3, handlers[2].Seq)

	h, err := m.GetCompensationHandler(ctx, "inst-1", "book_hotel")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "undo_book_hotel", h.HandlerID)

	require.NoError(t, m.ClearCompensationHandlers(ctx, "inst-1"))
	handlers, err = m.GetAllCompensationHandlers(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, handlers)
}

func TestJoinArrivals(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterJoinPaths(ctx, "inst-1", "", "join_1", []string{"f1", "f2"}))

	t1 := newToken("inst-1", "join_1", "")
	t1.FlowID = "f1"
	done, err := m.JoinArrive(ctx, t1, "join_1")
	require.NoError(t, err)
	assert.False(t, done)

	// duplicate arrival on the same path
	dup := newToken("inst-1", "join_1", "")
	dup.FlowID = "f1"
	_, err = m.JoinArrive(ctx, dup, "join_1")
	require.Error(t, err)
	assert.Equal(t, sdk.CodeJoinDuplicate, sdk.CodeOf(err))

	// unregistered path
	rogue := newToken("inst-1", "join_1", "")
	rogue.FlowID = "f9"
	_, err = m.JoinArrive(ctx, rogue, "join_1")
	require.Error(t, err)
	assert.Equal(t, sdk.CodeJoinUnregistered, sdk.CodeOf(err))

	t2 := newToken("inst-1", "join_1", "")
	t2.FlowID = "f2"
	done, err = m.JoinArrive(ctx, t2, "join_1")
	require.NoError(t, err)
	assert.True(t, done)

	arrivals, err := m.JoinArrivals(ctx, "inst-1", "", "join_1")
	require.NoError(t, err)
	require.Len(t, arrivals, 2)
	assert.Equal(t, "f1", arrivals[0].FlowID)
	assert.Equal(t, "f2", arrivals[1].FlowID)

	require.NoError(t, m.ClearJoin(ctx, "inst-1", "", "join_1"))
}
