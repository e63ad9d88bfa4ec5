// Package scheduler recovers timers whose in-process waiter died. Live
// executors fire their own timers and delete the durable record on the
// way out; anything the scan loop still finds past its grace window is
// orphaned and gets republished on the event bus. Definition start
// timers have no in-process waiter and fire straight from the scan.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/common/metrics"
	"github.com/fluxline/bpmn-engine/common/queue"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const (
	defaultInterval = 5 * time.Second
	defaultGrace    = 30 * time.Second
)

// Scheduler scans the fast store for overdue timers
type Scheduler struct {
	state    *state.Manager
	queue    queue.Queue
	interval time.Duration
	grace    time.Duration
	metrics  *metrics.Engine
	logger   Logger
}

// Opts configures the scheduler. Metrics may be nil.
type Opts struct {
	State *state.Manager
	Queue queue.Queue

	// Interval between scans; defaults to 5s
	Interval time.Duration

	// Grace is how far past its end time a timer must be before the
	// scheduler treats it as orphaned. Defaults to 30s, which leaves
	// in-process waiters room to fire and clean up on their own.
	Grace time.Duration

	Metrics *metrics.Engine
	Logger  Logger
}

// New creates a scheduler
func New(opts Opts) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Scheduler{
		state:    opts.State,
		queue:    opts.Queue,
		interval: interval,
		grace:    grace,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Run scans until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("timer scheduler started", "interval", s.interval, "grace", s.grace)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timer scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("timer sweep failed", "error", err)
			}
		}
	}
}

// Sweep claims and republishes every due timer once, returning the
// number fired. Instance timers only fire once their grace window has
// passed, leaving the in-process waiter room to handle them; definition
// start timers have no waiter and fire at their end time. Claims go
// through an atomic delete, so concurrent scheduler replicas never
// double-fire a timer.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := s.state.ListDueTimers(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due timers: %w", err)
	}

	fired := 0
	for _, t := range due {
		if t.DefinitionID == "" && now.Sub(t.EndTime) < s.grace {
			continue
		}
		claimed, err := s.state.ClaimTimer(ctx, t.InstanceID, t.TimerID)
		if err != nil {
			s.logger.Error("timer claim failed",
				"instance_id", t.InstanceID, "timer_id", t.TimerID, "error", err)
			continue
		}
		if !claimed {
			// another replica got there first
			continue
		}

		raw, err := json.Marshal(t)
		if err != nil {
			s.logger.Error("timer encode failed",
				"instance_id", t.InstanceID, "timer_id", t.TimerID, "error", err)
			continue
		}
		if err := s.queue.Publish(ctx, sdk.TopicProcessTimerTriggered, t.InstanceID, raw); err != nil {
			s.logger.Error("timer publish failed",
				"instance_id", t.InstanceID, "timer_id", t.TimerID, "error", err)
			continue
		}

		s.logger.Info("orphaned timer fired",
			"instance_id", t.InstanceID, "timer_id", t.TimerID,
			"node_id", t.NodeID, "overdue", time.Since(t.EndTime).String())
		if s.metrics != nil {
			s.metrics.TimerFirings.Inc()
		}
		fired++
	}
	return fired, nil
}
