package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxline/bpmn-engine/common/redis"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func compensationKey(instanceID, activityID string) string {
	return "compensation:" + instanceID + ":" + activityID
}

func compensationListKey(instanceID string) string {
	return "compensation:" + instanceID + ":all"
}

// StoreCompensationHandler registers a handler for a completed
// activity. The registration sequence comes from an atomic list append,
// so concurrent registrations get distinct, ordered sequence numbers.
func (m *Manager) StoreCompensationHandler(ctx context.Context, h *sdk.CompensationHandler) error {
	seq, err := m.redis.PushToList(ctx, compensationListKey(h.InstanceID), h.ActivityID)
	if err != nil {
		return err
	}
	h.Seq = int(seq)

	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal compensation handler: %w", err)
	}
	if err := m.redis.Set(ctx, compensationKey(h.InstanceID, h.ActivityID), string(raw), 0); err != nil {
		return err
	}

	m.logger.Debug("compensation handler registered",
		"instance_id", h.InstanceID,
		"activity_id", h.ActivityID,
		"handler_id", h.HandlerID,
		"seq", h.Seq,
	)
	return nil
}

// GetCompensationHandler reads the handler registered for an activity;
// nil when the activity never completed or has no handler.
func (m *Manager) GetCompensationHandler(ctx context.Context, instanceID, activityID string) (*sdk.CompensationHandler, error) {
	raw, err := m.redis.Get(ctx, compensationKey(instanceID, activityID))
	if err == redis.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h sdk.CompensationHandler
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("unmarshal compensation handler: %w", err)
	}
	return &h, nil
}

// GetAllCompensationHandlers returns the handlers of an instance in
// registration order.
func (m *Manager) GetAllCompensationHandlers(ctx context.Context, instanceID string) ([]*sdk.CompensationHandler, error) {
	activityIDs, err := m.redis.GetList(ctx, compensationListKey(instanceID))
	if err != nil {
		return nil, err
	}

	handlers := make([]*sdk.CompensationHandler, 0, len(activityIDs))
	seen := make(map[string]bool, len(activityIDs))
	for _, activityID := range activityIDs {
		if seen[activityID] {
			continue
		}
		seen[activityID] = true
		h, err := m.GetCompensationHandler(ctx, instanceID, activityID)
		if err != nil {
			return nil, err
		}
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	return handlers, nil
}

// RemoveCompensationHandler retires a handler once it has run
func (m *Manager) RemoveCompensationHandler(ctx context.Context, instanceID, activityID string) error {
	return m.redis.Delete(ctx, compensationKey(instanceID, activityID))
}

// ClearCompensationHandlers drops the whole registry of an instance
func (m *Manager) ClearCompensationHandlers(ctx context.Context, instanceID string) error {
	keys, err := m.redis.ScanPrefix(ctx, "compensation:"+instanceID+":")
	if err != nil {
		return err
	}
	return m.redis.Delete(ctx, keys...)
}
