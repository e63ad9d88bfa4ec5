package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// InstanceIDKey is the context key for the owning process instance
	// (propagated as the X-Instance-ID header on outbound calls)
	InstanceIDKey contextKey = "instance-id"
)

// WithInstanceID tags the context with the process instance driving the
// outbound call
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, instanceID)
}

// GetInstanceID retrieves the process instance ID from context
func GetInstanceID(ctx context.Context) (string, bool) {
	instanceID, ok := ctx.Value(InstanceIDKey).(string)
	return instanceID, ok && instanceID != ""
}
