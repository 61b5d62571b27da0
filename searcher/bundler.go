package searcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-jit-searcher/simulation"
	"go.uber.org/zap"
)

var ErrInvalidVictim = errors.New("victim transaction sender cannot be recovered")

const executorABIJSON = `[
	{"name":"execute","type":"function","stateMutability":"nonpayable","inputs":[{"name":"pool","type":"address"}],"outputs":[]},
	{"name":"finish","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

var executorABI = mustParseABI(executorABIJSON)

// Plan is the front-run and back-run built around one victim.
type Plan struct {
	Swap  SwapEvent
	Front []TxRequest
	Back  []TxRequest
}

// Bundler builds front-run and back-run transactions through the Executor contract.
type Bundler struct {
	log      *zap.Logger
	engine   *simulation.Engine
	pools    *PoolMetadataCache
	signer   types.Signer
	searcher common.Address
	executor common.Address
	gas      GasConfig
}

func NewBundler(logger *zap.Logger, engine *simulation.Engine, pools *PoolMetadataCache, signer types.Signer, searcher common.Address, cfg *StrategyConfig) *Bundler {
	return &Bundler{
		log:      logger.Named("bundler"),
		engine:   engine,
		pools:    pools,
		signer:   signer,
		searcher: searcher,
		executor: cfg.Executor,
		gas:      cfg.Gas,
	}
}

// Build replays the victim on cache, extracts its swap and builds the Executor calls for that pool.
// The victim's state changes stay committed in cache.
func (b *Bundler) Build(ctx context.Context, cache *simulation.StateCache, victim *types.Transaction) (*Plan, error) {
	req, err := victimRequest(b.signer, victim)
	if err != nil {
		return nil, err
	}

	outcomes, err := b.engine.Consume(ctx, cache, []simulation.Request{req})
	if err != nil {
		return nil, err
	}
	if outcomes[0].Err != nil {
		return nil, fmt.Errorf("simulate victim: %w", outcomes[0].Err)
	}

	swaps, err := ExtractSwaps(outcomes[0].Result.Logs)
	if err != nil {
		return nil, err
	}
	swap := swaps[0]
	// the emitting pool must be part of the victim's state changes
	if len(victimTouches(swap.Pool).Filter(simulation.Results(outcomes))) == 0 {
		return nil, fmt.Errorf("%w: %s not modified by victim", ErrInvalidPool, swap.Pool.Hex())
	}
	if err := b.pools.Enrich(ctx, &swap); err != nil {
		return nil, fmt.Errorf("pool metadata: %w", err)
	}

	searcher, err := cache.GetAccount(ctx, b.searcher)
	if err != nil {
		return nil, err
	}

	executeData, err := executorABI.Pack("execute", swap.Pool)
	if err != nil {
		return nil, err
	}
	finishData, err := executorABI.Pack("finish")
	if err != nil {
		return nil, err
	}

	front := TxRequest{
		To:        b.executor,
		Data:      executeData,
		Value:     new(big.Int),
		Gas:       b.gas.FrontLimit,
		Nonce:     searcher.Nonce,
		GasTipCap: b.gas.TipCap,
		GasFeeCap: b.gas.FeeCap,
	}
	back := TxRequest{
		To:        b.executor,
		Data:      finishData,
		Value:     new(big.Int),
		Gas:       b.gas.BackLimit,
		Nonce:     searcher.Nonce + 1,
		GasTipCap: b.gas.TipCap,
		GasFeeCap: b.gas.FeeCap,
	}

	b.log.Debug("Built plan",
		zap.String("tx", victim.Hash().Hex()),
		zap.String("pool", swap.Pool.Hex()),
		zap.String("token0", swap.Token0.Hex()),
		zap.String("token1", swap.Token1.Hex()),
		zap.Uint32("fee", swap.Fee),
		zap.Uint64("nonce", searcher.Nonce))

	return &Plan{Swap: swap, Front: []TxRequest{front}, Back: []TxRequest{back}}, nil
}

func victimTouches(pool common.Address) simulation.Filter {
	return simulation.And(nil, simulation.IsSuccess, simulation.AccountTouched(pool))
}

func victimRequest(signer types.Signer, victim *types.Transaction) (simulation.Request, error) {
	from, err := types.Sender(signer, victim)
	if err != nil {
		return simulation.Request{}, fmt.Errorf("%w: %w", ErrInvalidVictim, err)
	}
	gas := victim.Gas()
	nonce := victim.Nonce()
	return simulation.Request{
		From:  from,
		To:    victim.To(),
		Value: victim.Value(),
		Data:  victim.Data(),
		Gas:   &gas,
		Nonce: &nonce,
	}, nil
}
