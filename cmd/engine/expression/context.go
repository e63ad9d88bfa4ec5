package expression

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// contextAdapter converts variable-context values into CEL values,
// wrapping objects so dotted access is null-safe past the root.
type contextAdapter struct{}

func (contextAdapter) NativeToValue(v interface{}) ref.Val {
	switch t := v.(type) {
	case nil:
		return chainNull{}
	case map[string]interface{}:
		return nullSafeMap{types.NewStringInterfaceMap(contextAdapter{}, t)}
	}
	return types.DefaultTypeAdapter.NativeToValue(v)
}

// activation pre-wraps the variable context. The interpreter has a fast
// path for plain Go maps that errors on missing keys; handing it
// already-wrapped values routes every property access through the
// null-safe map instead.
func activation(vars map[string]interface{}) map[string]interface{} {
	act := make(map[string]interface{}, len(vars))
	for name, v := range vars {
		act[name] = contextAdapter{}.NativeToValue(v)
	}
	return act
}

// nullSafeMap resolves missing keys to chainNull instead of an error,
// so a dotted chain yields null from its first unset property onward.
type nullSafeMap struct {
	traits.Mapper
}

func (m nullSafeMap) Find(key ref.Val) (ref.Val, bool) {
	if v, found := m.Mapper.Find(key); found {
		return v, true
	}
	return chainNull{}, true
}

func (m nullSafeMap) Get(key ref.Val) ref.Val {
	v, _ := m.Find(key)
	return v
}

// chainNull is the null produced inside a dotted access chain. Further
// property access stays null, and it equals the null literal.
type chainNull struct{}

func (chainNull) ConvertToNative(typeDesc reflect.Type) (interface{}, error) {
	return types.NullValue.ConvertToNative(typeDesc)
}

func (chainNull) ConvertToType(typeVal ref.Type) ref.Val {
	return types.NullValue.ConvertToType(typeVal)
}

func (chainNull) Equal(other ref.Val) ref.Val {
	return types.Bool(other.Type() == types.NullType)
}

func (chainNull) Type() ref.Type { return types.NullType }

func (chainNull) Value() interface{} { return nil }

// Get keeps qualification on a null chain returning null
func (n chainNull) Get(ref.Val) ref.Val { return n }

// nativeValue converts a CEL value into the plain Go shape the engine
// stores in variables and token data.
func nativeValue(v interface{}) interface{} {
	rv, ok := v.(ref.Val)
	if !ok {
		return v
	}
	switch rv.Type() {
	case types.NullType:
		return nil
	case types.IntType:
		if i, ok := rv.Value().(int64); ok {
			return i
		}
	case types.TimestampType:
		if t, ok := rv.Value().(time.Time); ok {
			return t
		}
	}
	switch raw := rv.Value().(type) {
	case map[ref.Val]ref.Val:
		out := make(map[string]interface{}, len(raw))
		for k, val := range raw {
			out[fmt.Sprintf("%v", k.Value())] = nativeValue(val)
		}
		return out
	case []ref.Val:
		out := make([]interface{}, 0, len(raw))
		for _, val := range raw {
			out = append(out, nativeValue(val))
		}
		return out
	}
	return rv.Value()
}
