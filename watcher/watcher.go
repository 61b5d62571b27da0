// Package watcher streams pending transactions from a node, filters them and forwards matches
// to a single consumer over a bounded FIFO queue.
package watcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-jit-searcher/metrics"
	"go.uber.org/zap"
)

var (
	ErrFullFeedUnsupported = errors.New("source does not provide full pending transactions")
	ErrSubscriptionClosed  = errors.New("pending subscription closed")
	ErrInvalidTick         = errors.New("tick interval must be positive and at most 150ms")
)

const (
	DefaultQueueCapacity = 1024
	DefaultTickInterval  = 100 * time.Millisecond
	maxTickInterval      = 150 * time.Millisecond

	subscriptionBufferSize = 256
)

type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateStreaming
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// QueuePolicy decides what happens to a match when the queue is full.
type QueuePolicy string

const (
	// PolicyDrop drops the newest match and counts it.
	PolicyDrop QueuePolicy = "drop"
	// PolicyBlock blocks the stream until the consumer catches up or a stop is requested.
	PolicyBlock QueuePolicy = "block"
)

// Source is the part of the node the watcher reads from.
type Source interface {
	SubscribePending(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// FullSource streams full transaction objects instead of hashes.
type FullSource interface {
	SubscribeFullPending(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error)
}

type Config struct {
	QueueCapacity int
	Policy        QueuePolicy
	TickInterval  time.Duration
	// FullTransactions subscribes to the provider-extended feed of full transactions
	FullTransactions bool
}

func (c Config) withDefaults() (Config, error) {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Policy == "" {
		c.Policy = PolicyDrop
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.TickInterval < 0 || c.TickInterval > maxTickInterval {
		return c, ErrInvalidTick
	}
	return c, nil
}

// Handle tracks a running watcher task.
type Handle struct {
	state atomic.Int32
	done  chan struct{}
	err   error
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed when the watcher task has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the reason the task stopped, nil for a requested shutdown. Valid after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

func (h *Handle) Wait() error {
	return h.Err()
}

func (h *Handle) setState(s State) {
	h.state.Store(int32(s))
}

type watcher struct {
	log      *zap.Logger
	cfg      Config
	filter   Filter
	source   Source
	shutdown *ShutdownSignal
	handle   *Handle
	out      chan *types.Transaction
}

// Start subscribes to the pending feed and starts the streaming task.
// A subscription failure is returned here and nothing is started.
func Start(ctx context.Context, logger *zap.Logger, source Source, filter Filter, shutdown *ShutdownSignal, cfg Config) (*Handle, <-chan *types.Transaction, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, nil, err
	}

	w := &watcher{
		log:      logger.Named("watcher"),
		cfg:      cfg,
		filter:   filter,
		source:   source,
		shutdown: shutdown,
		handle:   &Handle{done: make(chan struct{})},
		out:      make(chan *types.Transaction, cfg.QueueCapacity),
	}
	w.handle.setState(StateIdle)

	// in-flight node calls are aborted as soon as a stop is requested
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-shutdown.Done():
			cancel()
		case <-loopCtx.Done():
		}
	}()

	w.handle.setState(StateSubscribing)
	if cfg.FullTransactions {
		full, ok := source.(FullSource)
		if !ok {
			cancel()
			return nil, nil, ErrFullFeedUnsupported
		}
		txs := make(chan *types.Transaction, subscriptionBufferSize)
		sub, err := full.SubscribeFullPending(loopCtx, txs)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		go w.run(loopCtx, cancel, sub, nil, txs)
	} else {
		hashes := make(chan common.Hash, subscriptionBufferSize)
		sub, err := source.SubscribePending(loopCtx, hashes)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		go w.run(loopCtx, cancel, sub, hashes, nil)
	}

	w.log.Info("Watcher started",
		zap.String("filter", filter.String()),
		zap.Int("queueCapacity", cfg.QueueCapacity),
		zap.String("policy", string(cfg.Policy)),
		zap.Bool("fullTransactions", cfg.FullTransactions))
	return w.handle, w.out, nil
}

func (w *watcher) run(ctx context.Context, cancel context.CancelFunc, sub ethereum.Subscription, hashes <-chan common.Hash, txs <-chan *types.Transaction) {
	w.handle.setState(StateStreaming)

	err := w.stream(ctx, sub, hashes, txs)

	w.handle.setState(StateDraining)
	sub.Unsubscribe()
	cancel()
	close(w.out)

	w.handle.setState(StateStopped)
	w.handle.err = err
	if err != nil {
		w.log.Error("Watcher stopped", zap.Error(err))
	} else {
		w.log.Info("Watcher stopped")
	}
	w.shutdown.finish()
	close(w.handle.done)
}

func (w *watcher) stream(ctx context.Context, sub ethereum.Subscription, hashes <-chan common.Hash, txs <-chan *types.Transaction) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if w.shutdown.IsShutdown() {
			return nil
		}

		select {
		case <-ticker.C:
			continue
		case <-w.shutdown.Done():
			return nil
		case <-ctx.Done():
			return w.stopErr(ctx)
		case err := <-sub.Err():
			if err == nil {
				err = ErrSubscriptionClosed
			}
			return err
		case hash := <-hashes:
			metrics.IncPendingSeen()
			tx, err := w.resolve(ctx, hash)
			if err != nil {
				continue
			}
			if !w.forward(ctx, tx) {
				return w.stopErr(ctx)
			}
		case tx := <-txs:
			metrics.IncPendingSeen()
			if !w.forward(ctx, tx) {
				return w.stopErr(ctx)
			}
		}
	}
}

// stopErr is nil for a requested shutdown and the context error otherwise.
func (w *watcher) stopErr(ctx context.Context) error {
	if w.shutdown.IsShutdown() {
		return nil
	}
	return ctx.Err()
}

func (w *watcher) resolve(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	tx, _, err := w.source.TransactionByHash(ctx, hash)
	if err == nil && tx == nil {
		err = ethereum.NotFound
	}
	if err != nil {
		metrics.IncPendingFetchFailures()
		w.log.Debug("Dropping unresolvable pending tx", zap.String("tx", hash.Hex()), zap.Error(err))
		return nil, err
	}
	return tx, nil
}

// forward returns false if the stream must stop.
func (w *watcher) forward(ctx context.Context, tx *types.Transaction) bool {
	if !w.filter.Matches(tx) {
		return true
	}
	metrics.IncPendingMatched()

	if w.cfg.Policy == PolicyBlock {
		select {
		case w.out <- tx:
			return true
		case <-w.shutdown.Done():
			return false
		case <-ctx.Done():
			return false
		}
	}

	select {
	case w.out <- tx:
	default:
		metrics.IncPendingDropped()
		w.log.Warn("Queue is full, dropping matched tx", zap.String("tx", tx.Hash().Hex()))
	}
	return true
}
