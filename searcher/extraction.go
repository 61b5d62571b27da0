package searcher

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrUnexpectedCount = errors.New("unexpected number of swap events")

const uniswapV3PoolABI = `[
	{"anonymous":false,"name":"Swap","type":"event","inputs":[
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":true,"name":"recipient","type":"address"},
		{"indexed":false,"name":"amount0","type":"int256"},
		{"indexed":false,"name":"amount1","type":"int256"},
		{"indexed":false,"name":"sqrtPriceX96","type":"uint160"},
		{"indexed":false,"name":"liquidity","type":"uint128"},
		{"indexed":false,"name":"tick","type":"int24"}]},
	{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]}
]`

var (
	poolABI       = mustParseABI(uniswapV3PoolABI)
	swapEvent     = poolABI.Events["Swap"]
	swapIndexed   = indexedArgs(swapEvent.Inputs)
	SwapEventHash = swapEvent.ID
)

// SwapEvent is a decoded Uniswap V3 Swap. Token0, Token1 and Fee are pool metadata and are
// only set once the event has been enriched.
type SwapEvent struct {
	Pool         common.Address
	Sender       common.Address
	Recipient    common.Address
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
	Token0       common.Address
	Token1       common.Address
	Fee          uint32
}

// PoolSwap is the pool-only view of a swap.
type PoolSwap struct {
	Pool common.Address
}

func (s *SwapEvent) PoolOnly() PoolSwap {
	return PoolSwap{Pool: s.Pool}
}

// UnexpectedCountError is returned when the logs do not contain exactly one swap.
type UnexpectedCountError struct {
	N int
}

func (e *UnexpectedCountError) Error() string {
	return fmt.Sprintf("%s: expected 1, got %d", ErrUnexpectedCount.Error(), e.N)
}

func (e *UnexpectedCountError) Is(target error) bool {
	return target == ErrUnexpectedCount
}

// ExtractSwaps decodes the Swap events in logs and ignores everything else.
// Exactly one swap must be present.
func ExtractSwaps(logs []*types.Log) ([]SwapEvent, error) {
	var swaps []SwapEvent
	for _, l := range logs {
		swap, ok := decodeSwap(l)
		if ok {
			swaps = append(swaps, swap)
		}
	}
	if len(swaps) != 1 {
		return nil, &UnexpectedCountError{N: len(swaps)}
	}
	return swaps, nil
}

func decodeSwap(l *types.Log) (SwapEvent, bool) {
	if len(l.Topics) != len(swapIndexed)+1 || l.Topics[0] != SwapEventHash {
		return SwapEvent{}, false
	}

	values := make(map[string]any)
	if err := poolABI.UnpackIntoMap(values, swapEvent.Name, l.Data); err != nil {
		return SwapEvent{}, false
	}
	if err := abi.ParseTopicsIntoMap(values, swapIndexed, l.Topics[1:]); err != nil {
		return SwapEvent{}, false
	}

	swap := SwapEvent{Pool: l.Address}
	var ok [7]bool
	swap.Sender, ok[0] = values["sender"].(common.Address)
	swap.Recipient, ok[1] = values["recipient"].(common.Address)
	swap.Amount0, ok[2] = values["amount0"].(*big.Int)
	swap.Amount1, ok[3] = values["amount1"].(*big.Int)
	swap.SqrtPriceX96, ok[4] = values["sqrtPriceX96"].(*big.Int)
	swap.Liquidity, ok[5] = values["liquidity"].(*big.Int)
	var tick *big.Int
	tick, ok[6] = values["tick"].(*big.Int)
	for _, v := range ok {
		if !v {
			return SwapEvent{}, false
		}
	}
	swap.Tick = int32(tick.Int64())
	return swap, true
}

func indexedArgs(args abi.Arguments) abi.Arguments {
	var res abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			res = append(res, arg)
		}
	}
	return res
}

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
