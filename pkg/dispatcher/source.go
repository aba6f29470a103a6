package dispatcher

import "context"

// Publish sources used as metric labels.
const (
	SourceSocket = "socket"
	SourceAPI    = "api"
)

type sourceKey struct{}

// WithSource tags ctx with the origin of a publish, for example "nats".
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the source set by WithSource, or fallback.
func SourceFrom(ctx context.Context, fallback string) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return fallback
}
