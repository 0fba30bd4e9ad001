package omni

import "context"

// Command sources recorded on command events.
const (
	SourceAPI     = "api"
	SourceMQTT    = "mqtt"
	SourceConsole = "console"
)

// Origin identifies who issued a command. It travels in the request
// context so every front end can attribute commands without widening
// the Dispatcher API.
type Origin struct {
	Source string
	UserID string
}

type originKey struct{}

// WithOrigin returns a context carrying o.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the Origin stored in ctx, or the zero Origin.
func OriginFrom(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}
