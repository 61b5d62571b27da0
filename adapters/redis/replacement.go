// Package redis provides adapters to redis client
package redis

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// AttemptCache records which pending transactions already had a bundle attempt.
// Claims are shared between searcher instances using the same redis and key prefix.
type AttemptCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewAttemptCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *AttemptCache {
	return &AttemptCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *AttemptCache) key(txHash common.Hash) string {
	return r.keyPrefix + txHash.Hex()
}

// TryClaim returns true only for the first caller claiming txHash within the expiry window.
func (r *AttemptCache) TryClaim(ctx context.Context, txHash common.Hash) (bool, error) {
	return r.client.SetNX(ctx, r.key(txHash), 1, r.expireDuration).Result()
}

func (r *AttemptCache) IsClaimed(ctx context.Context, txHash common.Hash) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(txHash)).Result()
	return n > 0, err
}
