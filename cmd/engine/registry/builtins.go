package registry

import (
	"context"
	"time"

	"github.com/fluxline/bpmn-engine/cmd/engine/httptask"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RegisterBuiltins installs the handlers every deployment ships with:
//
//	http  — outbound REST call (props: url, method)
//	log   — writes the "message" property to the engine log
//	delay — sleeps for the "duration" property (Go duration syntax)
func RegisterBuiltins(r *Registry, log Logger) {
	caller := httptask.NewCaller(httptask.Opts{Logger: log})
	r.Register("http", caller.Call)

	r.Register("log", func(ctx context.Context, props map[string]string, data map[string]interface{}) (map[string]interface{}, error) {
		log.Info("process log task", "message", props["message"])
		return nil, nil
	})

	r.Register("delay", func(ctx context.Context, props map[string]string, data map[string]interface{}) (map[string]interface{}, error) {
		d, err := time.ParseDuration(props["duration"])
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
