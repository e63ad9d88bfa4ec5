package expression

import (
	"strconv"
	"strings"
	"time"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// compareOrdered returns -1, 0 or 1. Numbers and numeric strings
// compare numerically; dates compare chronologically, parsing a string
// operand as ISO-8601 when the other side is a date; otherwise both
// sides must be strings.
func compareOrdered(a, b interface{}) (int, error) {
	if a == nil || b == nil {
		return 0, sdk.NewError(sdk.CodeExprEval, "cannot order a null value")
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}

	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		at, aok := toTime(a)
		bt, bok := toTime(b)
		if !aok || !bok {
			return 0, sdk.NewError(sdk.CodeExprEval, "cannot compare date with non-date value")
		}
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		}
		return 0, nil
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, sdk.Errorf(sdk.CodeExprEval, "cannot order %T and %T", a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
