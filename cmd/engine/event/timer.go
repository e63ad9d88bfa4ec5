package event

import (
	"strconv"
	"strings"
	"time"

	isoduration "github.com/sosodev/duration"

	"github.com/fluxline/bpmn-engine/cmd/engine/bpmn"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Schedule is a resolved timer definition
type Schedule struct {
	// FireAt is the next firing time
	FireAt time.Time

	// Interval between cycle firings; zero for one-shot timers
	Interval time.Duration

	// Repetitions remaining, including the first firing; 1 for
	// one-shot timers.
	Repetitions int
}

// ResolveTimer turns a timer definition into a concrete schedule.
// Supported forms: ISO-8601 duration (PT5M), ISO-8601 timestamp, and
// cycle (R3/PT1S). Anything else fails with TIMER_INVALID.
func ResolveTimer(cfg *bpmn.TimerConfig, now time.Time) (*Schedule, error) {
	if cfg == nil {
		return nil, sdk.NewError(sdk.CodeTimerInvalid, "missing timer definition")
	}

	switch cfg.Type {
	case sdk.TimerDuration:
		d, err := parseISODuration(cfg.Value)
		if err != nil {
			return nil, err
		}
		return &Schedule{FireAt: now.Add(d), Repetitions: 1}, nil

	case sdk.TimerDate:
		for _, layout := range timestampLayouts {
			if at, err := time.Parse(layout, cfg.Value); err == nil {
				return &Schedule{FireAt: at, Repetitions: 1}, nil
			}
		}
		return nil, sdk.Errorf(sdk.CodeTimerInvalid, "invalid timer timestamp %q", cfg.Value)

	case sdk.TimerCycle:
		reps, interval, err := parseCycle(cfg.Value)
		if err != nil {
			return nil, err
		}
		return &Schedule{FireAt: now.Add(interval), Interval: interval, Repetitions: reps}, nil
	}
	return nil, sdk.Errorf(sdk.CodeTimerInvalid, "unknown timer type %q", cfg.Type)
}

func parseISODuration(value string) (time.Duration, error) {
	d, err := isoduration.Parse(value)
	if err != nil {
		return 0, sdk.Errorf(sdk.CodeTimerInvalid, "invalid timer duration %q", value)
	}
	out := d.ToTimeDuration()
	if out <= 0 {
		return 0, sdk.Errorf(sdk.CodeTimerInvalid, "timer duration %q is not positive", value)
	}
	return out, nil
}

// parseCycle handles the R<n>/<duration> form
func parseCycle(value string) (int, time.Duration, error) {
	head, tail, found := strings.Cut(value, "/")
	if !found || !strings.HasPrefix(head, "R") {
		return 0, 0, sdk.Errorf(sdk.CodeTimerInvalid, "invalid timer cycle %q", value)
	}
	reps, err := strconv.Atoi(head[1:])
	if err != nil || reps <= 0 {
		return 0, 0, sdk.Errorf(sdk.CodeTimerInvalid, "invalid repetition count in cycle %q", value)
	}
	interval, err := parseISODuration(tail)
	if err != nil {
		return 0, 0, err
	}
	return reps, interval, nil
}

// ParseWaitTimeout parses an optional ISO-8601 wait timeout extension;
// empty means no timeout.
func ParseWaitTimeout(value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return parseISODuration(value)
}
