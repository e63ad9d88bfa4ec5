package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxline/bpmn-engine/common/redis"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

func timerKey(instanceID, timerID string) string {
	return "timer:" + instanceID + ":" + timerID
}

// SaveTimerState persists a pending timer
func (m *Manager) SaveTimerState(ctx context.Context, t *sdk.TimerState) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timer %s: %w", t.TimerID, err)
	}
	return m.redis.Set(ctx, timerKey(t.InstanceID, t.TimerID), string(raw), 0)
}

// GetTimerState reads a pending timer; nil when absent
func (m *Manager) GetTimerState(ctx context.Context, instanceID, timerID string) (*sdk.TimerState, error) {
	raw, err := m.redis.Get(ctx, timerKey(instanceID, timerID))
	if err == redis.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t sdk.TimerState
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal timer %s: %w", timerID, err)
	}
	return &t, nil
}

// DeleteTimerState removes a timer record
func (m *Manager) DeleteTimerState(ctx context.Context, instanceID, timerID string) error {
	return m.redis.Delete(ctx, timerKey(instanceID, timerID))
}

// ListTimers enumerates the pending timers of one instance
func (m *Manager) ListTimers(ctx context.Context, instanceID string) ([]*sdk.TimerState, error) {
	return m.scanTimers(ctx, "timer:"+instanceID+":")
}

// ListAllTimers enumerates every pending timer across instances. The
// durable scheduler drives its scan loop off this.
func (m *Manager) ListAllTimers(ctx context.Context) ([]*sdk.TimerState, error) {
	return m.scanTimers(ctx, "timer:")
}

// ListDueTimers returns timers whose end time has passed
func (m *Manager) ListDueTimers(ctx context.Context, now time.Time) ([]*sdk.TimerState, error) {
	all, err := m.ListAllTimers(ctx)
	if err != nil {
		return nil, err
	}
	var due []*sdk.TimerState
	for _, t := range all {
		if !t.EndTime.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (m *Manager) scanTimers(ctx context.Context, prefix string) ([]*sdk.TimerState, error) {
	keys, err := m.redis.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	timers := make([]*sdk.TimerState, 0, len(keys))
	for _, key := range keys {
		raw, err := m.redis.Get(ctx, key)
		if err == redis.ErrNotFound {
			// raced with a delete; skip
			continue
		}
		if err != nil {
			return nil, err
		}
		var t sdk.TimerState
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			m.logger.Warn("skipping undecodable timer", "key", key, "error", err)
			continue
		}
		timers = append(timers, &t)
	}
	return timers, nil
}

// ClaimTimer atomically removes a timer record, returning true for the
// caller that actually deleted it. Concurrent scheduler scans use this
// to fire each timer exactly once.
func (m *Manager) ClaimTimer(ctx context.Context, instanceID, timerID string) (bool, error) {
	n, err := m.redis.Underlying().Del(ctx, timerKey(instanceID, timerID)).Result()
	if err != nil {
		return false, fmt.Errorf("claim timer %s: %w", timerID, err)
	}
	return n == 1, nil
}
