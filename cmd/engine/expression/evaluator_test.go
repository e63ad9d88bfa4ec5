package expression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

func TestEvaluateComparisons(t *testing.T) {
	vars := map[string]interface{}{
		"amount":   1500.0,
		"count":    int64(3),
		"name":     "alice",
		"approved": true,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"${amount > 1000}", true},
		{"${amount <= 1000}", false},
		{"${amount >= 1500}", true},
		{"${count < 5}", true},
		{"${count == 3}", true},
		{"${count != 3}", false},
		{"${name == \"alice\"}", true},
		{"${name == 'bob'}", false},
		{"${name < 'bob'}", true},
		{"${approved}", true},
		{"${!approved}", false},
		{"${amount > 1000 && count < 5}", true},
		{"${amount > 2000 || count == 3}", true},
		{"${amount > 2000 && count == 3}", false},
		{"${(amount > 2000 || approved) && count >= 3}", true},
	}

	ev := New()
	for _, tc := range tests {
		got, err := ev.EvaluateBool(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateStringNumberCoercion(t *testing.T) {
	ev := New()
	vars := map[string]interface{}{
		"limit":  "100",
		"amount": 250.0,
	}

	got, err := ev.EvaluateBool("${amount > limit}", vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.EvaluateBool("${limit < 250}", vars)
	require.NoError(t, err)
	assert.True(t, got)

	// equality is type-strict; coercion applies to orderings only
	got, err = ev.EvaluateBool("${limit == '100'}", vars)
	require.NoError(t, err)
	assert.True(t, got)

	// numeric strings order numerically, not lexicographically
	got, err = ev.EvaluateBool("${'10' > '9'}", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateDateComparison(t *testing.T) {
	ev := New()
	due, err := time.Parse(time.RFC3339, "2025-02-01T15:00:00Z")
	require.NoError(t, err)
	vars := map[string]interface{}{"due": due}

	got, err := ev.EvaluateBool("${due > '2025-01-01T00:00:00Z'}", vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.EvaluateBool("${due < '2025-01-01'}", vars)
	require.NoError(t, err)
	assert.False(t, got)

	_, err = ev.EvaluateBool("${due > 'not a date'}", vars)
	require.Error(t, err)
	assert.Equal(t, sdk.CodeExprEval, sdk.CodeOf(err))
}

func TestEvaluateNullSafeChain(t *testing.T) {
	ev := New()
	vars := map[string]interface{}{
		"order": map[string]interface{}{
			"customer": map[string]interface{}{"tier": "gold"},
			"discount": nil,
		},
	}

	got, err := ev.Evaluate("${order.customer.tier}", vars)
	require.NoError(t, err)
	assert.Equal(t, "gold", got)

	// chain goes null-safe past the first null
	got, err = ev.Evaluate("${order.discount.rate}", vars)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ev.Evaluate("${order.missing}", vars)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := ev.EvaluateBool("${order.discount.rate == null}", vars)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateUndefinedIdentifier(t *testing.T) {
	ev := New()
	_, err := ev.Evaluate("${ghost > 1}", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, sdk.CodeExprEval, sdk.CodeOf(err))
}

func TestEvaluatePropertyOnNonObject(t *testing.T) {
	ev := New()
	_, err := ev.Evaluate("${amount.value}", map[string]interface{}{"amount": 5.0})
	require.Error(t, err)
	assert.Equal(t, sdk.CodeExprEval, sdk.CodeOf(err))
}

func TestEvaluateSyntaxErrors(t *testing.T) {
	ev := New()
	for _, expr := range []string{
		"${amount >",
		"${amount > 1000",
		"${amount ? 1}",
		"${'unterminated}",
		"${(a > 1}",
		"${}",
	} {
		_, err := ev.Evaluate(expr, map[string]interface{}{"amount": 1.0, "a": 2.0})
		require.Error(t, err, expr)
		assert.Equal(t, sdk.CodeExprSyntax, sdk.CodeOf(err), expr)
	}
}

func TestEvaluateNonBooleanCondition(t *testing.T) {
	ev := New()
	_, err := ev.EvaluateBool("${amount}", map[string]interface{}{"amount": 42.0})
	require.Error(t, err)
	assert.Equal(t, sdk.CodeExprEval, sdk.CodeOf(err))
}

func TestEvaluateOrderingNullFails(t *testing.T) {
	ev := New()
	_, err := ev.EvaluateBool("${x > 1}", map[string]interface{}{"x": nil})
	require.Error(t, err)
	assert.Equal(t, sdk.CodeExprEval, sdk.CodeOf(err))
}

func TestCompiledExpressionCache(t *testing.T) {
	ev := New()
	vars := map[string]interface{}{"n": 1.0}

	for i := 0; i < 3; i++ {
		got, err := ev.EvaluateBool("${n == 1}", vars)
		require.NoError(t, err)
		assert.True(t, got)
	}

	ev.mu.RLock()
	defer ev.mu.RUnlock()
	assert.Len(t, ev.cache, 1)
}
