package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

func joinKey(instanceID, scopeID, gatewayID, suffix string) string {
	return "join:" + instanceID + ":" + scopeOrRoot(scopeID) + ":" + gatewayID + ":" + suffix
}

// RegisterJoinPaths declares the incoming flows a parallel join waits
// for. Registration is idempotent.
func (m *Manager) RegisterJoinPaths(ctx context.Context, instanceID, scopeID, gatewayID string, flowIDs []string) error {
	key := joinKey(instanceID, scopeID, gatewayID, "paths")
	for _, flowID := range flowIDs {
		if _, err := m.redis.AddToSet(ctx, key, flowID); err != nil {
			return err
		}
	}
	return nil
}

// JoinArrive records one token arriving at a parallel join. The arrival
// ordinal comes from an atomic list append; the caller whose append
// completes the set is elected to emit the merged token (done=true).
// A flow arriving twice fails with JOIN_DUPLICATE; a flow that was
// never registered fails with JOIN_UNREGISTERED.
func (m *Manager) JoinArrive(ctx context.Context, token *sdk.Token, gatewayID string) (done bool, err error) {
	registered, err := m.redis.IsSetMember(ctx,
		joinKey(token.InstanceID, token.ScopeID, gatewayID, "paths"), token.FlowID)
	if err != nil {
		return false, err
	}
	if !registered {
		return false, sdk.Errorf(sdk.CodeJoinUnregistered,
			"flow %q is not registered at join %q", token.FlowID, gatewayID).
			WithNode(gatewayID).WithInstance(token.InstanceID)
	}

	first, err := m.redis.AddToSet(ctx,
		joinKey(token.InstanceID, token.ScopeID, gatewayID, "arrived"), token.FlowID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, sdk.Errorf(sdk.CodeJoinDuplicate,
			"flow %q already arrived at join %q", token.FlowID, gatewayID).
			WithNode(gatewayID).WithInstance(token.InstanceID)
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return false, fmt.Errorf("marshal join token: %w", err)
	}
	arrivals, err := m.redis.PushToList(ctx,
		joinKey(token.InstanceID, token.ScopeID, gatewayID, "arrivals"), string(raw))
	if err != nil {
		return false, err
	}

	expected, err := m.redis.SetSize(ctx,
		joinKey(token.InstanceID, token.ScopeID, gatewayID, "paths"))
	if err != nil {
		return false, err
	}

	m.logger.Debug("join arrival",
		"instance_id", token.InstanceID,
		"gateway_id", gatewayID,
		"flow_id", token.FlowID,
		"arrivals", arrivals,
		"expected", expected,
	)
	return arrivals == expected, nil
}

// JoinArrivals returns the tokens collected at a join in arrival order
func (m *Manager) JoinArrivals(ctx context.Context, instanceID, scopeID, gatewayID string) ([]*sdk.Token, error) {
	raws, err := m.redis.GetList(ctx, joinKey(instanceID, scopeID, gatewayID, "arrivals"))
	if err != nil {
		return nil, err
	}
	tokens := make([]*sdk.Token, 0, len(raws))
	for _, raw := range raws {
		var t sdk.Token
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal join token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	return tokens, nil
}

// ClearJoin resets a join's cycle state so the gateway can fire again
// in a later iteration.
func (m *Manager) ClearJoin(ctx context.Context, instanceID, scopeID, gatewayID string) error {
	return m.redis.Delete(ctx,
		joinKey(instanceID, scopeID, gatewayID, "paths"),
		joinKey(instanceID, scopeID, gatewayID, "arrived"),
		joinKey(instanceID, scopeID, gatewayID, "arrivals"),
	)
}
