package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/common/logger"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(Opts{Timeout: 5 * time.Second, Logger: logger.New("error", "json")})
}

func TestExecuteSetVariableAndResult(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), `
# compute the order total
set_variable("total", price * quantity)
result = total > 100.0
`, map[string]interface{}{"price": 25.0, "quantity": 5.0})
	require.NoError(t, err)

	assert.Equal(t, true, res.Value)
	assert.Equal(t, 125.0, res.SetVariables["total"])
}

func TestExecuteImplicitLastLineResult(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), `1 + 2`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
}

func TestExecuteSetVariableVisibleToLaterLines(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), `
set_variable("doubled", n * 2)
result = doubled
`, map[string]interface{}{"n": int64(21)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Value)
}

func TestExecuteBuiltins(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), `result = uuid()`, nil)
	require.NoError(t, err)
	s, ok := res.Value.(string)
	require.True(t, ok)
	assert.Len(t, s, 36)

	res, err = e.Execute(context.Background(), `result = now()`, nil)
	require.NoError(t, err)
	ts, ok := res.Value.(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestExecuteSyntaxError(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), `result = (1 +`, nil)
	require.Error(t, err)
	assert.Equal(t, sdk.CodeExprSyntax, sdk.CodeOf(err))
}

func TestExecuteUndefinedVariable(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), `result = ghost + 1`, nil)
	require.Error(t, err)
	assert.Equal(t, sdk.CodeExprEval, sdk.CodeOf(err))
}

func TestExecuteResultComparisonIsNotAssignment(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), `
result = 5
result == 5
`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}

func TestExecuteEmptyAndCommentLines(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), `

// leading comment
# another comment
result = "done"
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Value)
}
