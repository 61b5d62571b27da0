package searcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
)

// AttemptCache guarantees at most one bundle attempt per detected transaction.
type AttemptCache interface {
	// TryClaim returns false if the transaction was already claimed.
	TryClaim(ctx context.Context, txHash common.Hash) (bool, error)
}

// MemoryAttemptCache keeps claims in process memory for the expiry window.
type MemoryAttemptCache struct {
	cache      *gocache.Cache
	expiration time.Duration
}

func NewMemoryAttemptCache(expiration time.Duration) *MemoryAttemptCache {
	return &MemoryAttemptCache{
		cache:      gocache.New(expiration, expiration),
		expiration: expiration,
	}
}

func (c *MemoryAttemptCache) TryClaim(_ context.Context, txHash common.Hash) (bool, error) {
	// Add fails if the key is already present
	err := c.cache.Add(txHash.Hex(), struct{}{}, c.expiration)
	return err == nil, nil
}
