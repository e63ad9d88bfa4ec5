package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fluxline/bpmn-engine/common/db"
	"github.com/fluxline/bpmn-engine/common/models"
)

// DefinitionRepository handles database operations for process definitions
type DefinitionRepository struct {
	db *db.DB
}

// NewDefinitionRepository creates a new definition repository
func NewDefinitionRepository(database *db.DB) *DefinitionRepository {
	return &DefinitionRepository{db: database}
}

// Deploy inserts a definition (or bumps an existing one) together with
// its XML snapshot in a single transaction.
func (r *DefinitionRepository) Deploy(ctx context.Context, name, bpmnXML string) (*models.ProcessDefinition, error) {
	def := &models.ProcessDefinition{}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		// Reuse the definition row if the name already exists
		err := tx.QueryRow(ctx, `
			SELECT id, version FROM process_definitions WHERE name = $1
		`, name).Scan(&def.ID, &def.Version)

		switch {
		case err == pgx.ErrNoRows:
			def.ID = uuid.New()
			def.Version = 1
			if _, err := tx.Exec(ctx, `
				INSERT INTO process_definitions (id, name, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $4)
			`, def.ID, name, def.Version, now); err != nil {
				return fmt.Errorf("insert definition: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lookup definition: %w", err)
		default:
			def.Version++
			if _, err := tx.Exec(ctx, `
				UPDATE process_definitions SET version = $2, updated_at = $3 WHERE id = $1
			`, def.ID, def.Version, now); err != nil {
				return fmt.Errorf("bump definition version: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO process_definition_versions (definition_id, version, bpmn_xml, created_at)
			VALUES ($1, $2, $3, $4)
		`, def.ID, def.Version, bpmnXML, now); err != nil {
			return fmt.Errorf("insert definition version: %w", err)
		}

		def.Name = name
		def.CreatedAt = now
		def.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return def, nil
}

// GetByID retrieves a definition by its ID
func (r *DefinitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProcessDefinition, error) {
	def := &models.ProcessDefinition{}
	err := r.db.QueryRow(ctx, `
		SELECT id, name, version, created_at, updated_at
		FROM process_definitions
		WHERE id = $1
	`, id).Scan(&def.ID, &def.Name, &def.Version, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return def, nil
}

// GetXML returns the BPMN XML snapshot for a definition version.
// version <= 0 selects the current version.
func (r *DefinitionRepository) GetXML(ctx context.Context, id uuid.UUID, version int) (string, error) {
	var xml string
	var err error
	if version > 0 {
		err = r.db.QueryRow(ctx, `
			SELECT bpmn_xml FROM process_definition_versions
			WHERE definition_id = $1 AND version = $2
		`, id, version).Scan(&xml)
	} else {
		err = r.db.QueryRow(ctx, `
			SELECT v.bpmn_xml
			FROM process_definition_versions v
			JOIN process_definitions d ON d.id = v.definition_id AND d.version = v.version
			WHERE d.id = $1
		`, id).Scan(&xml)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get definition XML: %w", err)
	}
	return xml, nil
}

// List retrieves definitions ordered by name
func (r *DefinitionRepository) List(ctx context.Context, limit int) ([]*models.ProcessDefinition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, version, created_at, updated_at
		FROM process_definitions
		ORDER BY name
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.ProcessDefinition
	for rows.Next() {
		def := &models.ProcessDefinition{}
		if err := rows.Scan(&def.ID, &def.Name, &def.Version, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return defs, nil
}
