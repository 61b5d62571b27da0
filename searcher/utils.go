package searcher

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)
)

func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "0"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

// HeadSource returns the current head block number.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// HeadTracker keeps the latest head block number fresh in the background so the hot path does not wait on the node.
type HeadTracker struct {
	log      *zap.Logger
	source   HeadSource
	interval time.Duration

	head atomic.Uint64
}

func NewHeadTracker(logger *zap.Logger, source HeadSource, interval time.Duration) *HeadTracker {
	return &HeadTracker{
		log:      logger.Named("head"),
		source:   source,
		interval: interval,
	}
}

// BlockNumber returns the last known head, falling back to the node until the first refresh succeeded.
func (h *HeadTracker) BlockNumber(ctx context.Context) (uint64, error) {
	if head := h.head.Load(); head != 0 {
		return head, nil
	}
	head, err := h.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	h.update(head)
	return head, nil
}

func (h *HeadTracker) update(head uint64) {
	for {
		old := h.head.Load()
		if head <= old {
			return
		}
		if h.head.CompareAndSwap(old, head) {
			return
		}
	}
}

func (h *HeadTracker) Start(ctx context.Context) *sync.WaitGroup {
	blockNumber, err := h.source.BlockNumber(ctx)
	if err != nil {
		h.log.Warn("Failed to get block number", zap.Error(err))
	} else {
		h.update(blockNumber)
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		back := backoff.NewExponentialBackOff()
		back.MaxInterval = 3 * time.Second
		back.MaxElapsedTime = 12 * time.Second

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := backoff.Retry(func() error {
					blockNumber, err := h.source.BlockNumber(ctx)
					if err != nil {
						return err
					}
					h.update(blockNumber)
					return nil
				}, backoff.WithContext(back, ctx))
				if err != nil && ctx.Err() == nil {
					h.log.Error("Failed to update block number", zap.Error(err))
				}
			}
		}
	}()
	return wg
}
