package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "confirm:"

// RedisStash keeps pending confirmations in redis with server-side
// expiry, so prompts survive process restarts.
type RedisStash struct {
	client *redis.Client
}

func NewRedisStash(client *redis.Client) *RedisStash {
	return &RedisStash{client: client}
}

func (s *RedisStash) Put(ctx context.Context, req *PendingRequest, ttl time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal pending request: %w", err)
	}

	key := redisKeyPrefix + stashKey(req.UserID, req.CorrelationID)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to stash pending request: %w", err)
	}
	return nil
}

func (s *RedisStash) Take(ctx context.Context, userID int64, correlationID string) (*PendingRequest, error) {
	key := redisKeyPrefix + stashKey(userID, correlationID)
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take pending request: %w", err)
	}

	var req PendingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending request: %w", err)
	}
	return &req, nil
}
