package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func TestResolveDurationTimer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, err := ResolveTimer(&bpmn.TimerConfig{Type: sdk.TimerDuration, Value: "PT5M"}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), sched.FireAt)
	assert.Equal(t, 1, sched.Repetitions)
	assert.Zero(t, sched.Interval)
}

func TestResolveDateTimer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, err := ResolveTimer(&bpmn.TimerConfig{Type: sdk.TimerDate, Value: "2026-03-02T09:00:00Z"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), sched.FireAt)
	assert.Equal(t, 1, sched.Repetitions)
}

func TestResolveCycleTimer(t *testing.T) {
	now := time.Now().UTC()
	sched, err := ResolveTimer(&bpmn.TimerConfig{Type: sdk.TimerCycle, Value: "R3/PT1S"}, now)
	require.NoError(t, err)
	assert.Equal(t, 3, sched.Repetitions)
	assert.Equal(t, time.Second, sched.Interval)
	assert.Equal(t, now.Add(time.Second), sched.FireAt)
}

func TestResolveTimerRejectsBadInput(t *testing.T) {
	now := time.Now().UTC()
	cases := []*bpmn.TimerConfig{
		nil,
		{Type: sdk.TimerDuration, Value: "5 minutes"},
		{Type: sdk.TimerDuration, Value: "-PT5M"},
		{Type: sdk.TimerDate, Value: "tomorrow"},
		{Type: sdk.TimerCycle, Value: "PT1S"},
		{Type: sdk.TimerCycle, Value: "R0/PT1S"},
		{Type: sdk.TimerCycle, Value: "Rx/PT1S"},
		{Type: "weekly", Value: "PT1S"},
	}
	for _, cfg := range cases {
		_, err := ResolveTimer(cfg, now)
		require.Error(t, err)
		assert.Equal(t, sdk.CodeTimerInvalid, sdk.CodeOf(err))
	}
}

func TestParseWaitTimeout(t *testing.T) {
	d, err := ParseWaitTimeout("")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseWaitTimeout("PT30S")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = ParseWaitTimeout("30s")
	require.Error(t, err)
	assert.Equal(t, sdk.CodeTimerInvalid, sdk.CodeOf(err))
}
