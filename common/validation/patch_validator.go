// Package validation checks JSON Patch documents before they touch
// instance state. The patch library applies whatever parses; this layer
// rejects shapes the engine does not want to see at all.
package validation

import (
	"fmt"
	"strings"
)

// maxOperationsPerPatch caps one patch request. Larger edits should be
// split; a runaway client must not rewrite hundreds of variables in one
// call.
const maxOperationsPerPatch = 50

// PatchValidator validates JSON Patch operations against instance
// variables
type PatchValidator struct{}

// NewPatchValidator creates a new patch validator
func NewPatchValidator() *PatchValidator {
	return &PatchValidator{}
}

// ValidateOperations validates all patch operations
func (v *PatchValidator) ValidateOperations(operations []map[string]interface{}) error {
	if len(operations) == 0 {
		return fmt.Errorf("patch validation failed: empty operation list")
	}
	if len(operations) > maxOperationsPerPatch {
		return fmt.Errorf("patch validation failed: at most %d operations per patch (got %d)",
			maxOperationsPerPatch, len(operations))
	}

	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}
	}
	return nil
}

// validateOperation validates a single operation
func (v *PatchValidator) validateOperation(op map[string]interface{}, index int) error {
	opType, ok := op["op"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'op' field", index)
	}

	path, ok := op["path"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'path' field", index)
	}
	if err := v.validatePath(path, index); err != nil {
		return err
	}

	switch opType {
	case "add", "replace", "test":
		if _, ok := op["value"]; !ok {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, opType)
		}

	case "remove":
		// remove doesn't need value

	case "copy", "move":
		from, ok := op["from"].(string)
		if !ok {
			return fmt.Errorf("operation %d: 'from' required for %s operation", index, opType)
		}
		if err := v.validatePath(from, index); err != nil {
			return err
		}

	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, opType)
	}

	return nil
}

// validatePath checks a JSON pointer targets a named variable. The
// whole document is off limits: replacing "/" would swap every variable
// at once.
func (v *PatchValidator) validatePath(path string, index int) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("operation %d: path %q must start with '/'", index, path)
	}
	name := strings.TrimPrefix(path, "/")
	if name == "" {
		return fmt.Errorf("operation %d: path must name a variable, not the document root", index)
	}
	return nil
}
