package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const denylistPrefix = "bl:"

// Registry is the access-token denylist. Entries carry the token's remaining
// lifetime as their Redis TTL and disappear on their own.
type Registry struct {
	client redis.Cmdable
}

func NewRegistry(client redis.Cmdable) *Registry {
	return &Registry{client: client}
}

func denylistKey(token string) string {
	return denylistPrefix + token
}

func (r *Registry) Denylist(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, denylistKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("denylist access token: %w", err)
	}
	return nil
}

func (r *Registry) IsDenylisted(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Exists(ctx, denylistKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("check access token denylist: %w", err)
	}
	return n > 0, nil
}
