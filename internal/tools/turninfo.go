package tools

import "context"

// TurnInfo identifies the turn on whose behalf a tool call runs. Builtin
// backends that need the calling session (the sub-agent router, the task
// proposer) read it from the call context.
type TurnInfo struct {
	SessionID string
	TurnID    string
	UserID    string
}

type turnInfoKey struct{}

// WithTurnInfo attaches the turn identity to the context.
func WithTurnInfo(ctx context.Context, info TurnInfo) context.Context {
	return context.WithValue(ctx, turnInfoKey{}, info)
}

// TurnInfoFrom extracts the turn identity; zero value when absent.
func TurnInfoFrom(ctx context.Context) TurnInfo {
	info, _ := ctx.Value(turnInfoKey{}).(TurnInfo)
	return info
}
