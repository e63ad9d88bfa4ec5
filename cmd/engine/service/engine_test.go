package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/common/logger"
	"github.com/fluxline/bpmn-engine/common/redis"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func newTimerEngine(t *testing.T) (*Engine, *state.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logger.New("error", "json")
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), log)
	t.Cleanup(func() { _ = client.Close() })

	st := state.NewManager(state.Opts{Redis: client, Logger: log})
	return NewEngine(Opts{State: st, Logger: log}), st
}

func parseGraph(t *testing.T, doc string) *bpmn.ProcessGraph {
	t.Helper()
	g, err := bpmn.NewParser().Parse([]byte(doc))
	require.NoError(t, err)
	return g
}

const timerStartXML = `<definitions>
  <process id="p">
    <startEvent id="nightly">
      <timerEventDefinition>
        <timeDuration>PT1H</timeDuration>
      </timerEventDefinition>
    </startEvent>
    <endEvent id="e"/>
    <sequenceFlow id="f0" sourceRef="nightly" targetRef="e"/>
  </process>
</definitions>`

const plainStartXML = `<definitions>
  <process id="p">
    <startEvent id="s"/>
    <endEvent id="e"/>
    <sequenceFlow id="f0" sourceRef="s" targetRef="e"/>
  </process>
</definitions>`

func TestScheduleStartTimerArmsDefinitionTimer(t *testing.T) {
	e, st := newTimerEngine(t)
	ctx := context.Background()
	defID := uuid.New()

	require.NoError(t, e.scheduleStartTimer(ctx, defID, 1, parseGraph(t, timerStartXML)))

	timers, err := st.ListTimers(ctx, defID.String())
	require.NoError(t, err)
	require.Len(t, timers, 1)
	ts := timers[0]
	assert.Equal(t, "nightly", ts.NodeID)
	assert.Equal(t, defID.String(), ts.DefinitionID)
	assert.Equal(t, 1, ts.Version)
	assert.Equal(t, sdk.TimerDuration, ts.TimerType)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), ts.EndTime, time.Minute)
}

func TestScheduleStartTimerPlainStartArmsNothing(t *testing.T) {
	e, st := newTimerEngine(t)
	ctx := context.Background()
	defID := uuid.New()

	require.NoError(t, e.scheduleStartTimer(ctx, defID, 1, parseGraph(t, plainStartXML)))

	timers, err := st.ListTimers(ctx, defID.String())
	require.NoError(t, err)
	assert.Empty(t, timers)
}

func TestScheduleStartTimerRedeployReplacesSchedule(t *testing.T) {
	e, st := newTimerEngine(t)
	ctx := context.Background()
	defID := uuid.New()

	require.NoError(t, e.scheduleStartTimer(ctx, defID, 1, parseGraph(t, timerStartXML)))

	// version 2 drops the timer start; the old schedule must go with it
	require.NoError(t, e.scheduleStartTimer(ctx, defID, 2, parseGraph(t, plainStartXML)))

	timers, err := st.ListTimers(ctx, defID.String())
	require.NoError(t, err)
	assert.Empty(t, timers)
}

func TestRescheduleStartTimerCycle(t *testing.T) {
	e, st := newTimerEngine(t)
	ctx := context.Background()
	defID := uuid.New()
	end := time.Now().UTC().Truncate(time.Second)

	fired := &sdk.TimerState{
		TimerID:      "poll",
		InstanceID:   defID.String(),
		NodeID:       "poll",
		TimerType:    sdk.TimerCycle,
		Definition:   "R3/PT10M",
		StartTime:    end.Add(-10 * time.Minute),
		EndTime:      end,
		Remaining:    3,
		DefinitionID: defID.String(),
		Version:      1,
	}
	require.NoError(t, e.rescheduleStartTimer(ctx, fired))

	next, err := st.GetTimerState(ctx, defID.String(), "poll")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Remaining)
	assert.Equal(t, defID.String(), next.DefinitionID)
	assert.Equal(t, end, next.StartTime)
	assert.Equal(t, end.Add(10*time.Minute), next.EndTime)
}

func TestRescheduleStartTimerOneShot(t *testing.T) {
	e, st := newTimerEngine(t)
	ctx := context.Background()
	defID := uuid.New()
	end := time.Now().UTC()

	oneShot := &sdk.TimerState{
		TimerID:      "nightly",
		InstanceID:   defID.String(),
		NodeID:       "nightly",
		TimerType:    sdk.TimerDuration,
		Definition:   "PT1H",
		StartTime:    end.Add(-time.Hour),
		EndTime:      end,
		DefinitionID: defID.String(),
		Version:      1,
	}
	require.NoError(t, e.rescheduleStartTimer(ctx, oneShot))

	// a cycle on its last repetition stays down too
	lastRep := &sdk.TimerState{
		TimerID:      "poll",
		InstanceID:   defID.String(),
		NodeID:       "poll",
		TimerType:    sdk.TimerCycle,
		Definition:   "R3/PT10M",
		StartTime:    end.Add(-10 * time.Minute),
		EndTime:      end,
		Remaining:    1,
		DefinitionID: defID.String(),
		Version:      1,
	}
	require.NoError(t, e.rescheduleStartTimer(ctx, lastRep))

	timers, err := st.ListTimers(ctx, defID.String())
	require.NoError(t, err)
	assert.Empty(t, timers)
}
