package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Correlation-less subscriptions use a placeholder segment so the key
// shape stays scannable.
const anyCorrelation = "-"

func corrSegment(correlation string) string {
	if correlation == "" {
		return anyCorrelation
	}
	return correlation
}

func msgSubKey(name, correlation, instanceID, nodeID string) string {
	return "msg:" + name + ":" + corrSegment(correlation) + ":" + instanceID + ":" + nodeID
}

// msgBoxKey is the delivery list a waiting token blocks on
func msgBoxKey(name, correlation, instanceID, nodeID string) string {
	return "msgbox:" + name + ":" + corrSegment(correlation) + ":" + instanceID + ":" + nodeID
}

func signalSubKey(name, instanceID, nodeID string) string {
	return "signal:" + name + ":" + instanceID + ":" + nodeID
}

func signalBoxKey(name, instanceID, nodeID string) string {
	return "signalbox:" + name + ":" + instanceID + ":" + nodeID
}

// RegisterMessageSubscription records a waiting message catch event
func (m *Manager) RegisterMessageSubscription(ctx context.Context, sub *sdk.MessageSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return m.redis.Set(ctx, msgSubKey(sub.MessageName, sub.CorrelationValue, sub.InstanceID, sub.NodeID), string(raw), 0)
}

// RemoveMessageSubscription drops a subscription and its delivery list
func (m *Manager) RemoveMessageSubscription(ctx context.Context, sub *sdk.MessageSubscription) error {
	return m.redis.Delete(ctx,
		msgSubKey(sub.MessageName, sub.CorrelationValue, sub.InstanceID, sub.NodeID),
		msgBoxKey(sub.MessageName, sub.CorrelationValue, sub.InstanceID, sub.NodeID),
	)
}

// CountMessageSubscriptions counts live subscriptions for a message name
func (m *Manager) CountMessageSubscriptions(ctx context.Context, name string) (int, error) {
	keys, err := m.redis.ScanPrefix(ctx, "msg:"+name+":")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// WaitForMessage registers a subscription and blocks until a matching
// message is delivered or the timeout elapses. The subscription and its
// delivery list are cleaned up on every exit path. A zero timeout waits
// until the context is cancelled.
func (m *Manager) WaitForMessage(ctx context.Context, name, correlation, instanceID, nodeID string, timeout time.Duration) (map[string]interface{}, error) {
	sub := &sdk.MessageSubscription{
		MessageName:      name,
		InstanceID:       instanceID,
		NodeID:           nodeID,
		CorrelationValue: correlation,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.RegisterMessageSubscription(ctx, sub); err != nil {
		return nil, err
	}
	defer func() {
		// cleanup must survive a cancelled caller context
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.RemoveMessageSubscription(cleanupCtx, sub); err != nil {
			m.logger.Error("message subscription cleanup failed",
				"message", name, "instance_id", instanceID, "error", err)
		}
	}()

	m.logger.Debug("waiting for message",
		"message", name, "correlation", correlation,
		"instance_id", instanceID, "node_id", nodeID, "timeout", timeout)

	box := msgBoxKey(name, correlation, instanceID, nodeID)
	res, err := m.redis.BlockingPopList(ctx, timeout, box)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, sdk.Errorf(sdk.CodeMessageTimeout,
			"message %q not received within %s", name, timeout).
			WithNode(nodeID).WithInstance(instanceID)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal message payload: %w", err)
	}
	return payload, nil
}

// DeliverMessage routes a message payload to every subscription that
// matches the name and correlation value. Returns the number of waiting
// tokens the message reached.
func (m *Manager) DeliverMessage(ctx context.Context, name, correlation string, payload map[string]interface{}) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal message payload: %w", err)
	}

	keys, err := m.redis.ScanPrefix(ctx, "msg:"+name+":"+corrSegment(correlation)+":")
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, key := range keys {
		box := "msgbox:" + key[len("msg:"):]
		if _, err := m.redis.PushToList(ctx, box, string(raw)); err != nil {
			return delivered, err
		}
		delivered++
	}

	m.logger.Info("message delivered",
		"message", name, "correlation", correlation, "subscribers", delivered)
	return delivered, nil
}

// RegisterSignalSubscription records a waiting signal catch event
func (m *Manager) RegisterSignalSubscription(ctx context.Context, sub *sdk.SignalSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return m.redis.Set(ctx, signalSubKey(sub.SignalName, sub.InstanceID, sub.NodeID), string(raw), 0)
}

// RemoveSignalSubscription drops a signal subscription and its inbox
func (m *Manager) RemoveSignalSubscription(ctx context.Context, sub *sdk.SignalSubscription) error {
	return m.redis.Delete(ctx,
		signalSubKey(sub.SignalName, sub.InstanceID, sub.NodeID),
		signalBoxKey(sub.SignalName, sub.InstanceID, sub.NodeID),
	)
}

// WaitForSignal registers a broadcast subscription and blocks until the
// signal arrives or the timeout elapses. Cleanup is guaranteed.
func (m *Manager) WaitForSignal(ctx context.Context, name, instanceID, nodeID string, timeout time.Duration) (map[string]interface{}, error) {
	sub := &sdk.SignalSubscription{
		SignalName: name,
		InstanceID: instanceID,
		NodeID:     nodeID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.RegisterSignalSubscription(ctx, sub); err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.RemoveSignalSubscription(cleanupCtx, sub); err != nil {
			m.logger.Error("signal subscription cleanup failed",
				"signal", name, "instance_id", instanceID, "error", err)
		}
	}()

	res, err := m.redis.BlockingPopList(ctx, timeout, signalBoxKey(name, instanceID, nodeID))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, sdk.Errorf(sdk.CodeMessageTimeout,
			"signal %q not received within %s", name, timeout).
			WithNode(nodeID).WithInstance(instanceID)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal signal payload: %w", err)
	}
	return payload, nil
}

// BroadcastSignal validates and fans a signal out to every subscriber.
// The envelope must be an object carrying a non-null "payload" key.
func (m *Manager) BroadcastSignal(ctx context.Context, name string, envelope map[string]interface{}) (int, error) {
	payload, ok := envelope["payload"]
	if !ok || payload == nil {
		return 0, sdk.Errorf(sdk.CodeSignalInvalidPayload,
			"signal %q envelope must carry a non-null payload", name)
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("marshal signal envelope: %w", err)
	}

	keys, err := m.redis.ScanPrefix(ctx, "signal:"+name+":")
	if err != nil {
		return 0, err
	}

	reached := 0
	for _, key := range keys {
		box := "signalbox:" + key[len("signal:"):]
		if _, err := m.redis.PushToList(ctx, box, string(raw)); err != nil {
			return reached, err
		}
		reached++
	}

	m.logger.Info("signal broadcast", "signal", name, "subscribers", reached)
	return reached, nil
}
