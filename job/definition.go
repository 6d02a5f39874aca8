package job

import "context"

// Definition is a typed handler bound to a queue. T is the payload type;
// it is encoded with the engine's codec at enqueue time and decoded before
// Handler runs.
type Definition[T any] struct {
	// Queue is the queue this definition handles and enqueues to.
	Queue string

	// Handler processes one decoded payload.
	Handler func(ctx context.Context, payload T) error

	// Opts are applied to every job enqueued through this definition,
	// before any per-call options.
	Opts []Option
}

// NewDefinition creates a typed job definition for queue.
func NewDefinition[T any](queue string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	return &Definition[T]{
		Queue:   queue,
		Handler: handler,
		Opts:    opts,
	}
}
