package token

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/common/logger"
	"github.com/fluxline/bpmn-engine/common/redis"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func newTestManager(t *testing.T) (*Manager, *state.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logger.New("error", "json")
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), log)
	t.Cleanup(func() { _ = client.Close() })
	st := state.NewManager(state.Opts{Redis: client, Logger: log})
	return NewManager(Opts{State: st, Logger: log}), st
}

func TestCreateInitialToken(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	tok, err := m.CreateInitialToken(ctx, "inst-1", "start", map[string]interface{}{"amount": 1500})
	require.NoError(t, err)
	assert.Equal(t, sdk.TokenActive, tok.State)
	assert.NotEmpty(t, tok.ID)

	stored, err := st.GetToken(ctx, "inst-1", "start", "")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.EqualValues(t, 1500, stored.Data["amount"])
}

func TestMoveToken(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	src, err := m.CreateInitialToken(ctx, "inst-1", "start", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	moved, err := m.MoveToken(ctx, src, SameScope(src, "task_1", "flow_1"))
	require.NoError(t, err)
	assert.Equal(t, "task_1", moved.NodeID)
	assert.Equal(t, "flow_1", moved.FlowID)
	assert.Equal(t, "v", moved.Data["k"])
	assert.NotEqual(t, src.ID, moved.ID)

	gone, err := st.GetToken(ctx, "inst-1", "start", "")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMoveTokenStaleSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	src, err := m.CreateInitialToken(ctx, "inst-1", "start", nil)
	require.NoError(t, err)

	_, err = m.MoveToken(ctx, src, SameScope(src, "task_1", "flow_1"))
	require.NoError(t, err)

	// the token at start is gone; the stale snapshot must lose
	_, err = m.MoveToken(ctx, src, SameScope(src, "task_2", "flow_2"))
	require.Error(t, err)
	assert.Equal(t, sdk.CodeTokenState, sdk.CodeOf(err))
}

func TestSplitTokenAllOrNothing(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	src, err := m.CreateInitialToken(ctx, "inst-1", "fork", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	out, err := m.SplitToken(ctx, src, []Target{
		SameScope(src, "task_a", "fa"),
		SameScope(src, "task_b", "fb"),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	positions, err := st.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	// each branch got an independent copy of the data
	out[0].Data["n"] = 99
	assert.EqualValues(t, 1, out[1].Data["n"])
}

func TestConsumeTokenIdempotenceContract(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tok, err := m.CreateInitialToken(ctx, "inst-1", "end", nil)
	require.NoError(t, err)

	require.NoError(t, m.ConsumeToken(ctx, tok))

	err = m.ConsumeToken(ctx, tok)
	require.Error(t, err)
	assert.Equal(t, sdk.CodeTokenState, sdk.CodeOf(err))
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	tok, err := m.CreateInitialToken(ctx, "inst-1", "end", nil)
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.ConsumeToken(ctx, tok.Clone())
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	positions, err := st.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestConcurrentMoveVsConsume(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	tok, err := m.CreateInitialToken(ctx, "inst-1", "task_1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var moveErr, consumeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, moveErr = m.MoveToken(ctx, tok.Clone(), SameScope(tok, "task_2", "f"))
	}()
	go func() {
		defer wg.Done()
		consumeErr = m.ConsumeToken(ctx, tok.Clone())
	}()
	wg.Wait()

	// exactly one operation wins, and the final population matches it
	positions, err := st.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	if moveErr == nil {
		require.Error(t, consumeErr)
		assert.Equal(t, sdk.CodeTokenState, sdk.CodeOf(consumeErr))
		require.Len(t, positions, 1)
		assert.Equal(t, "task_2", positions[0].NodeID)
	} else {
		require.NoError(t, consumeErr)
		assert.Equal(t, sdk.CodeTokenState, sdk.CodeOf(moveErr))
		assert.Empty(t, positions)
	}
}

func TestSpawnToken(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateInitialToken(ctx, "inst-1", "task_1", nil)
	require.NoError(t, err)

	spawned, err := m.SpawnToken(ctx, "inst-1", "boundary_1", "", sdk.TokenActive, nil)
	require.NoError(t, err)
	assert.Equal(t, "boundary_1", spawned.NodeID)

	positions, err := st.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, positions, 2)
}
