package searcher

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// OutcomeBackend is notified about every recorded attempt.
type OutcomeBackend interface {
	PublishAttempt(ctx context.Context, attempt *Attempt) error
}

// AttemptStorage persists attempts for later analysis.
type AttemptStorage interface {
	InsertAttempt(ctx context.Context, attempt *Attempt) error
}

type RedisOutcomeBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisOutcomeBackend(redisClient *redis.Client, pubChannel string) *RedisOutcomeBackend {
	return &RedisOutcomeBackend{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisOutcomeBackend) PublishAttempt(ctx context.Context, attempt *Attempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}
