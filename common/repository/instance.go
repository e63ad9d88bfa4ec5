package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/bpmn-engine/common/db"
	"github.com/fluxline/bpmn-engine/common/models"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// InstanceRepository handles database operations for process instances
type InstanceRepository struct {
	db *db.DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(database *db.DB) *InstanceRepository {
	return &InstanceRepository{db: database}
}

// Create inserts a new process instance in RUNNING state
func (r *InstanceRepository) Create(ctx context.Context, definitionID uuid.UUID, version int) (*models.ProcessInstance, error) {
	inst := &models.ProcessInstance{
		ID:           uuid.New(),
		DefinitionID: definitionID,
		Version:      version,
		Status:       sdk.InstanceRunning,
		StartedAt:    time.Now().UTC(),
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO process_instances (id, definition_id, version, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, inst.ID, inst.DefinitionID, inst.Version, inst.Status, inst.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	return inst, nil
}

// GetByID retrieves an instance by its ID
func (r *InstanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProcessInstance, error) {
	inst := &models.ProcessInstance{}
	err := r.db.QueryRow(ctx, `
		SELECT id, definition_id, version, status, COALESCE(error, ''), started_at, ended_at
		FROM process_instances
		WHERE id = $1
	`, id).Scan(&inst.ID, &inst.DefinitionID, &inst.Version, &inst.Status, &inst.Error, &inst.StartedAt, &inst.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// UpdateStatus transitions an instance. Terminal statuses set ended_at.
func (r *InstanceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status sdk.InstanceStatus, errMsg string) error {
	var endedAt *time.Time
	if status == sdk.InstanceCompleted || status == sdk.InstanceError {
		now := time.Now().UTC()
		endedAt = &now
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE process_instances
		SET status = $2, error = NULLIF($3, ''), ended_at = COALESCE($4, ended_at)
		WHERE id = $1
	`, id, status, errMsg, endedAt)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s not found", id)
	}

	return nil
}

// CountRunning returns the number of instances currently in RUNNING
// state, the figure the start-time backpressure check compares against.
func (r *InstanceRepository) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM process_instances WHERE status = $1
	`, sdk.InstanceRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running instances: %w", err)
	}
	return count, nil
}

// LogActivity appends an audit record for a node-level event
func (r *InstanceRepository) LogActivity(ctx context.Context, instanceID uuid.UUID, nodeID, event, detail string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO activity_logs (instance_id, node_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, instanceID, nodeID, event, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	return nil
}

// ListByDefinition retrieves instances for a definition, newest first
func (r *InstanceRepository) ListByDefinition(ctx context.Context, definitionID uuid.UUID, limit int) ([]*models.ProcessInstance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, definition_id, version, status, COALESCE(error, ''), started_at, ended_at
		FROM process_instances
		WHERE definition_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, definitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.ProcessInstance
	for rows.Next() {
		inst := &models.ProcessInstance{}
		if err := rows.Scan(&inst.ID, &inst.DefinitionID, &inst.Version, &inst.Status, &inst.Error, &inst.StartedAt, &inst.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}
