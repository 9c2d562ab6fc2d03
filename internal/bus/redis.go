package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to redis with short timeouts; pub/sub on a venue LAN
// should fail fast rather than stall the agent.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
}

// Healthy verifies redis connectivity.
func Healthy(ctx context.Context, client *redis.Client) bool {
	if client == nil {
		return false
	}
	return client.Ping(ctx).Err() == nil
}
