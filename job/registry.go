package job

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/jobq/codec"
)

// HandlerFunc is a type-erased job handler that accepts the raw payload.
// A typed Definition[T] is converted to a HandlerFunc at registration time
// by closing over the codec and the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registry maps queue names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register associates queue with h, replacing any previous handler.
func (r *Registry) Register(queue string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = h
}

// RegisterDefinition registers a typed definition. The payload is decoded
// with c before the typed handler is called; an empty payload leaves T at
// its zero value.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T], c codec.Codec) {
	if c == nil {
		c = codec.Default
	}
	r.Register(def.Queue, func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := c.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("decode %s payload for queue %q: %w", c.Name(), def.Queue, err)
			}
		}
		return def.Handler(ctx, t)
	})
}

// Get returns the handler for queue.
func (r *Registry) Get(queue string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Queues returns the registered queue names in sorted order.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
