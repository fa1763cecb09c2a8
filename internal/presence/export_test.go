package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Test-only hooks for the external presence_test package.

var NewTestTracker = newTestTracker

func (r *Relay) Consume(ctx context.Context, ch <-chan *redis.Message) error {
	return r.consume(ctx, ch)
}
