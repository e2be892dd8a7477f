package affect

import "context"

type stateKey struct{}

// WithState attaches a read-only copy of an actor's state to ctx.
func WithState(ctx context.Context, s State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// FromContext returns the state attached by WithState.
func FromContext(ctx context.Context) (State, bool) {
	s, ok := ctx.Value(stateKey{}).(State)
	return s, ok
}
