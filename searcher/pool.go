package searcher

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-jit-searcher/spike"
)

var ErrInvalidPool = errors.New("contract does not look like a uniswap v3 pool")

const (
	poolMetadataCacheTime      = time.Hour
	poolMetadataErrorCacheTime = 12 * time.Second
)

type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PoolMetadata is the immutable configuration of a pool.
type PoolMetadata struct {
	Token0 common.Address
	Token1 common.Address
	Fee    uint32
}

// PoolMetadataCache looks up pool metadata once per pool. Concurrent lookups of the same pool share one set of calls.
type PoolMetadataCache struct {
	caller  ContractCaller
	manager *spike.Manager[common.Address, PoolMetadata]
}

func NewPoolMetadataCache(caller ContractCaller) *PoolMetadataCache {
	c := &PoolMetadataCache{caller: caller}
	c.manager = spike.NewManager(c.fetch, poolMetadataCacheTime, poolMetadataErrorCacheTime)
	return c
}

func (c *PoolMetadataCache) Get(ctx context.Context, pool common.Address) (PoolMetadata, error) {
	return c.manager.GetResult(ctx, pool)
}

// Enrich fills the pool metadata of a swap.
func (c *PoolMetadataCache) Enrich(ctx context.Context, swap *SwapEvent) error {
	meta, err := c.Get(ctx, swap.Pool)
	if err != nil {
		return err
	}
	swap.Token0 = meta.Token0
	swap.Token1 = meta.Token1
	swap.Fee = meta.Fee
	return nil
}

func (c *PoolMetadataCache) fetch(ctx context.Context, pool common.Address) (PoolMetadata, error) {
	var meta PoolMetadata

	token0, err := c.call(ctx, pool, "token0")
	if err != nil {
		return meta, err
	}
	token1, err := c.call(ctx, pool, "token1")
	if err != nil {
		return meta, err
	}
	fee, err := c.call(ctx, pool, "fee")
	if err != nil {
		return meta, err
	}

	var ok bool
	if meta.Token0, ok = token0.(common.Address); !ok {
		return meta, ErrInvalidPool
	}
	if meta.Token1, ok = token1.(common.Address); !ok {
		return meta, ErrInvalidPool
	}
	feeInt, ok := fee.(*big.Int)
	if !ok {
		return meta, ErrInvalidPool
	}
	meta.Fee = uint32(feeInt.Uint64())
	return meta, nil
}

func (c *PoolMetadataCache) call(ctx context.Context, pool common.Address, method string) (any, error) {
	data, err := poolABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := poolABI.Unpack(method, out)
	if err != nil || len(values) != 1 {
		return nil, ErrInvalidPool
	}
	return values[0], nil
}
