package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessDefinition is the deployable unit. The Version column points
// at the current row in process_definition_versions.
type ProcessDefinition struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessDefinitionVersion snapshots the BPMN XML for one version
type ProcessDefinitionVersion struct {
	DefinitionID uuid.UUID `json:"definition_id"`
	Version      int       `json:"version"`
	BPMNXML      string    `json:"bpmn_xml"`
	CreatedAt    time.Time `json:"created_at"`
}
