// Package state is the durable fast-store layer for runtime process
// state: token positions, scoped variables, timers, event subscriptions
// and the compensation registry. All operational reads and writes during
// an instance's life go through here; the relational store is only
// touched at instance boundaries.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxline/bpmn-engine/common/redis"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Manager mediates all fast-store access
type Manager struct {
	redis  *redis.Client
	logger Logger
}

// Opts configures the state manager
type Opts struct {
	Redis  *redis.Client
	Logger Logger
}

// NewManager creates a state manager
func NewManager(opts Opts) *Manager {
	return &Manager{
		redis:  opts.Redis,
		logger: opts.Logger,
	}
}

func tokensKey(instanceID string) string {
	return "tokens:" + instanceID
}

func scopeOrRoot(scopeID string) string {
	if scopeID == "" {
		return "root"
	}
	return scopeID
}

func varKey(instanceID, scopeID, name string) string {
	return "vars:" + instanceID + ":" + scopeOrRoot(scopeID) + ":" + name
}

func varPrefix(instanceID, scopeID string) string {
	return "vars:" + instanceID + ":" + scopeOrRoot(scopeID) + ":"
}

// parentScope strips the last path segment; "a/b" -> "a", "a" -> ""
func parentScope(scopeID string) string {
	idx := strings.LastIndex(scopeID, "/")
	if idx < 0 {
		return ""
	}
	return scopeID[:idx]
}

// scopeChain returns the scope and its ancestors up to the root
func scopeChain(scopeID string) []string {
	chain := []string{scopeID}
	for scopeID != "" {
		scopeID = parentScope(scopeID)
		chain = append(chain, scopeID)
	}
	return chain
}

// --- tokens ---

// AddToken writes a token into the instance's position hash
func (m *Manager) AddToken(ctx context.Context, token *sdk.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := m.redis.SetHash(ctx, tokensKey(token.InstanceID), token.PositionKey(), string(raw)); err != nil {
		return err
	}
	m.logger.Debug("token added",
		"instance_id", token.InstanceID,
		"node_id", token.NodeID,
		"scope_id", token.ScopeID,
		"state", token.State,
	)
	return nil
}

// GetToken reads the token at a (scope, node) position; nil when absent
func (m *Manager) GetToken(ctx context.Context, instanceID, nodeID, scopeID string) (*sdk.Token, error) {
	raw, err := m.redis.GetHash(ctx, tokensKey(instanceID), sdk.PositionKey(scopeID, nodeID))
	if err == redis.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var token sdk.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("unmarshal token at %s: %w", nodeID, err)
	}
	return &token, nil
}

// RemoveToken deletes the token at a (scope, node) position
func (m *Manager) RemoveToken(ctx context.Context, instanceID, nodeID, scopeID string) error {
	return m.redis.DeleteHashFields(ctx, tokensKey(instanceID), sdk.PositionKey(scopeID, nodeID))
}

// GetTokenPositions returns all tokens of an instance
func (m *Manager) GetTokenPositions(ctx context.Context, instanceID string) ([]*sdk.Token, error) {
	fields, err := m.redis.GetAllHash(ctx, tokensKey(instanceID))
	if err != nil {
		return nil, err
	}
	tokens := make([]*sdk.Token, 0, len(fields))
	for field, raw := range fields {
		var token sdk.Token
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			return nil, fmt.Errorf("unmarshal token at %s: %w", field, err)
		}
		tokens = append(tokens, &token)
	}
	return tokens, nil
}

// casUpdateScript swaps a token's JSON only when its current state
// matches the caller's snapshot. Returns 1 on success, 0 on state
// mismatch, -1 when the position is empty.
var casUpdateScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return -1
end
local tok = cjson.decode(cur)
if tok.state ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// casReplaceScript removes the source position and materializes zero or
// more replacement positions, guarded by the source token's state.
// ARGV: field, expected state, then (field, json) pairs.
var casReplaceScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return -1
end
local tok = cjson.decode(cur)
if tok.state ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// UpdateTokenState CAS-transitions a token. The caller's snapshot state
// must still hold or the update fails with TOKEN_STATE.
func (m *Manager) UpdateTokenState(ctx context.Context, token *sdk.Token, next sdk.TokenState) error {
	updated := token.Clone()
	updated.State = next
	raw, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	res, err := m.redis.RunScript(ctx, casUpdateScript,
		[]string{tokensKey(token.InstanceID)},
		token.PositionKey(), string(token.State), string(raw),
	)
	if err != nil {
		return err
	}
	if err := casOutcome(res, token); err != nil {
		return err
	}
	token.State = next
	return nil
}

// ReplaceToken atomically removes the source token and writes the given
// replacements, guarded by the source token's snapshot state. An empty
// replacement set consumes the token.
func (m *Manager) ReplaceToken(ctx context.Context, source *sdk.Token, replacements []*sdk.Token) error {
	args := make([]interface{}, 0, 2+2*len(replacements))
	args = append(args, source.PositionKey(), string(source.State))
	for _, t := range replacements {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal token: %w", err)
		}
		args = append(args, t.PositionKey(), string(raw))
	}

	res, err := m.redis.RunScript(ctx, casReplaceScript,
		[]string{tokensKey(source.InstanceID)}, args...)
	if err != nil {
		return err
	}
	return casOutcome(res, source)
}

func casOutcome(res interface{}, token *sdk.Token) error {
	n, _ := res.(int64)
	switch n {
	case 1:
		return nil
	case 0:
		return sdk.Errorf(sdk.CodeTokenState,
			"token at %s changed state concurrently (snapshot %s)", token.NodeID, token.State).
			WithNode(token.NodeID).WithInstance(token.InstanceID)
	default:
		return sdk.Errorf(sdk.CodeTokenState,
			"token at %s no longer exists", token.NodeID).
			WithNode(token.NodeID).WithInstance(token.InstanceID)
	}
}

// ClearScopeTokens removes every token belonging to a scope or any of
// its nested scopes.
func (m *Manager) ClearScopeTokens(ctx context.Context, instanceID, scopeID string) error {
	fields, err := m.redis.GetAllHash(ctx, tokensKey(instanceID))
	if err != nil {
		return err
	}
	prefix := scopeOrRoot(scopeID) + ":"
	nested := scopeOrRoot(scopeID) + "/"
	var doomed []string
	for field := range fields {
		if strings.HasPrefix(field, prefix) || strings.HasPrefix(field, nested) {
			doomed = append(doomed, field)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	m.logger.Debug("clearing scope tokens", "instance_id", instanceID, "scope_id", scopeID, "count", len(doomed))
	return m.redis.DeleteHashFields(ctx, tokensKey(instanceID), doomed...)
}

// ClearInstance removes all fast-store state of an instance
func (m *Manager) ClearInstance(ctx context.Context, instanceID string) error {
	prefixes := []string{
		"tokens:" + instanceID,
		"vars:" + instanceID + ":",
		"timer:" + instanceID + ":",
		"compensation:" + instanceID + ":",
		"join:" + instanceID + ":",
	}
	var keys []string
	for _, p := range prefixes {
		found, err := m.redis.ScanPrefix(ctx, p)
		if err != nil {
			return err
		}
		keys = append(keys, found...)
	}
	return m.redis.Delete(ctx, keys...)
}

// --- variables ---

// SetVariable writes a tagged variable into a scope
func (m *Manager) SetVariable(ctx context.Context, instanceID, scopeID, name string, v *sdk.Variable) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal variable %s: %w", name, err)
	}
	return m.redis.Set(ctx, varKey(instanceID, scopeID, name), string(raw), 0)
}

// GetVariable reads a variable from a scope. With checkParent, the
// scope path is walked upward and the first hit wins. Returns nil when
// the variable is unset.
func (m *Manager) GetVariable(ctx context.Context, instanceID, scopeID, name string, checkParent bool) (*sdk.Variable, error) {
	scopes := []string{scopeID}
	if checkParent {
		scopes = scopeChain(scopeID)
	}
	for _, scope := range scopes {
		raw, err := m.redis.Get(ctx, varKey(instanceID, scope, name))
		if err == redis.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var v sdk.Variable
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("unmarshal variable %s: %w", name, err)
		}
		return &v, nil
	}
	return nil, nil
}

// GetVariables returns all variables visible from a scope. With
// checkParent, parent values are included and shadowed by child scopes.
func (m *Manager) GetVariables(ctx context.Context, instanceID, scopeID string, checkParent bool) (map[string]*sdk.Variable, error) {
	scopes := []string{scopeID}
	if checkParent {
		scopes = scopeChain(scopeID)
	}

	out := make(map[string]*sdk.Variable)
	// walk outermost-first so inner scopes shadow
	for i := len(scopes) - 1; i >= 0; i-- {
		prefix := varPrefix(instanceID, scopes[i])
		keys, err := m.redis.ScanPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, err := m.redis.Get(ctx, key)
			if err == redis.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			var v sdk.Variable
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, fmt.Errorf("unmarshal variable %s: %w", key, err)
			}
			out[strings.TrimPrefix(key, prefix)] = &v
		}
	}
	return out, nil
}

// DecodedVariables returns the visible variables as native Go values,
// the shape condition expressions evaluate against.
func (m *Manager) DecodedVariables(ctx context.Context, instanceID, scopeID string) (map[string]interface{}, error) {
	vars, err := m.GetVariables(ctx, instanceID, scopeID, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(vars))
	for name, v := range vars {
		out[name] = v.Decode()
	}
	return out, nil
}

// RemoveVariable deletes a single variable from a scope. Removing an
// unset variable is a no-op.
func (m *Manager) RemoveVariable(ctx context.Context, instanceID, scopeID, name string) error {
	return m.redis.Delete(ctx, varKey(instanceID, scopeID, name))
}

// ClearScopeVariables purges all variables of one scope (not nested
// scopes; those are cleared when their own scope completes).
func (m *Manager) ClearScopeVariables(ctx context.Context, instanceID, scopeID string) error {
	keys, err := m.redis.ScanPrefix(ctx, varPrefix(instanceID, scopeID))
	if err != nil {
		return err
	}
	return m.redis.Delete(ctx, keys...)
}

// ClearScopeTreeVariables purges the variables of a scope and of every
// scope nested under it. Cancellation kills nested scopes before they
// complete, so their variables never clear on their own.
func (m *Manager) ClearScopeTreeVariables(ctx context.Context, instanceID, scopeID string) error {
	keys, err := m.redis.ScanPrefix(ctx, varPrefix(instanceID, scopeID))
	if err != nil {
		return err
	}
	nested, err := m.redis.ScanPrefix(ctx, "vars:"+instanceID+":"+scopeOrRoot(scopeID)+"/")
	if err != nil {
		return err
	}
	return m.redis.Delete(ctx, append(keys, nested...)...)
}
