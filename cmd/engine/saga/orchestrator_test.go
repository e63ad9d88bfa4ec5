package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/common/logger"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func step(name string, log *[]string, fail bool) Step {
	return Step{
		Name: name,
		Action: func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
			if fail {
				return nil, errors.New(name + " failed")
			}
			*log = append(*log, "do:"+name)
			return map[string]interface{}{name + "_done": true}, nil
		},
		Compensation: func(ctx context.Context, data map[string]interface{}) error {
			*log = append(*log, "undo:"+name)
			return nil
		},
	}
}

func TestSagaCompletes(t *testing.T) {
	var log []string
	o := NewOrchestrator("booking", logger.New("error", "json")).
		AddStep(step("flight", &log, false)).
		AddStep(step("hotel", &log, false))

	res := o.Execute(context.Background(), map[string]interface{}{"trip": "t-1"})
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"do:flight", "do:hotel"}, log)
	assert.Equal(t, true, res.Data["flight_done"])
	assert.Equal(t, true, res.Data["hotel_done"])
	assert.Equal(t, "t-1", res.Data["trip"])
}

func TestSagaCompensatesInReverse(t *testing.T) {
	var log []string
	o := NewOrchestrator("booking", logger.New("error", "json")).
		AddStep(step("flight", &log, false)).
		AddStep(step("hotel", &log, false)).
		AddStep(step("payment", &log, true))

	res := o.Execute(context.Background(), nil)
	assert.Equal(t, StatusCompensated, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, []string{"do:flight", "do:hotel", "undo:hotel", "undo:flight"}, log)
	assert.Equal(t, "payment failed", res.Data["error"])
}

func TestSagaParallelGroupMergesOutputs(t *testing.T) {
	var calls int32
	mk := func(name string) Step {
		return Step{
			Name: name,
			Action: func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return map[string]interface{}{name: "ok"}, nil
			},
		}
	}

	o := NewOrchestrator("fanout", logger.New("error", "json")).
		AddParallel(mk("a"), mk("b"), mk("c"))

	res := o.Execute(context.Background(), nil)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.EqualValues(t, 3, calls)
	assert.Equal(t, "ok", res.Data["a"])
	assert.Equal(t, "ok", res.Data["b"])
	assert.Equal(t, "ok", res.Data["c"])
}

func TestSagaParallelFailureCompensatesSiblings(t *testing.T) {
	var log []string
	var undone int32
	good := Step{
		Name: "good",
		Action: func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
			log = append(log, "do:good")
			return nil, nil
		},
		Compensation: func(ctx context.Context, data map[string]interface{}) error {
			atomic.AddInt32(&undone, 1)
			return nil
		},
	}
	bad := Step{
		Name: "bad",
		Action: func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("bad failed")
		},
	}

	o := NewOrchestrator("mixed", logger.New("error", "json")).
		AddStep(step("first", &log, false)).
		AddParallel(good, bad)

	res := o.Execute(context.Background(), nil)
	assert.Equal(t, StatusCompensated, res.Status)
	// first always compensates; good compensates only if its action won the race
	assert.Contains(t, log, "undo:first")
}

func TestSagaCompensationFailureIsTerminal(t *testing.T) {
	var log []string
	broken := Step{
		Name: "broken",
		Action: func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
			return nil, nil
		},
		Compensation: func(ctx context.Context, data map[string]interface{}) error {
			return errors.New("undo unavailable")
		},
	}

	o := NewOrchestrator("fragile", logger.New("error", "json")).
		AddStep(broken).
		AddStep(step("boom", &log, true))

	res := o.Execute(context.Background(), nil)
	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, sdk.CodeCompensationFailed, sdk.CodeOf(res.Err))
}
