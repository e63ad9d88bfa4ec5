package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateOperationsAcceptsWellFormedPatch(t *testing.T) {
	v := NewPatchValidator()

	err := v.ValidateOperations([]map[string]interface{}{
		{"op": "add", "path": "/approved", "value": true},
		{"op": "replace", "path": "/amount", "value": 99.5},
		{"op": "remove", "path": "/draft"},
		{"op": "test", "path": "/status", "value": "pending"},
		{"op": "copy", "path": "/amount_backup", "from": "/amount"},
		{"op": "move", "path": "/final_amount", "from": "/amount"},
	})
	assert.NoError(t, err)
}

func TestValidateOperationsRejectsMalformedOps(t *testing.T) {
	v := NewPatchValidator()

	cases := []struct {
		name string
		ops  []map[string]interface{}
	}{
		{"empty list", nil},
		{"missing op", []map[string]interface{}{{"path": "/x", "value": 1}}},
		{"missing path", []map[string]interface{}{{"op": "add", "value": 1}}},
		{"unknown op", []map[string]interface{}{{"op": "merge", "path": "/x"}}},
		{"add without value", []map[string]interface{}{{"op": "add", "path": "/x"}}},
		{"copy without from", []map[string]interface{}{{"op": "copy", "path": "/x"}}},
		{"relative path", []map[string]interface{}{{"op": "remove", "path": "x"}}},
		{"document root", []map[string]interface{}{{"op": "replace", "path": "/", "value": 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, v.ValidateOperations(tc.ops))
		})
	}
}

func TestValidateOperationsCapsPatchSize(t *testing.T) {
	v := NewPatchValidator()

	ops := make([]map[string]interface{}, maxOperationsPerPatch+1)
	for i := range ops {
		ops[i] = map[string]interface{}{"op": "remove", "path": "/x"}
	}
	assert.Error(t, v.ValidateOperations(ops))
	assert.NoError(t, v.ValidateOperations(ops[:maxOperationsPerPatch]))
}
