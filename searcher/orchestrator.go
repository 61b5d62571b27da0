package searcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-jit-searcher/metrics"
	"github.com/flashbots/mev-jit-searcher/simulation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrDuplicateAttempt = errors.New("transaction was already attempted")
	ErrBundleRejected   = errors.New("relay rejected bundle")
	ErrInvalidMode      = errors.New("invalid submission mode")
)

// Mode selects which relay operation the orchestrator uses for built bundles.
type Mode string

const (
	ModeSimulate Mode = "simulate"
	ModeSend     Mode = "send"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSimulate, "":
		return ModeSimulate, nil
	case ModeSend:
		return ModeSend, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidMode, s)
	}
}

// PlanBuilder builds the searcher transactions around a victim on a state cache.
type PlanBuilder interface {
	Build(ctx context.Context, cache *simulation.StateCache, victim *types.Transaction) (*Plan, error)
}

type OrchestratorOpts struct {
	Heads    HeadSource
	State    simulation.StateReader
	Builder  PlanBuilder
	Wallet   TxSigner
	Relay    RelayForwarder
	Attempts AttemptCache
	// Storage and Outcomes are optional.
	Storage  AttemptStorage
	Outcomes OutcomeBackend
	// Limiter defaults to no limit.
	Limiter *rate.Limiter
	Mode    Mode
}

// Orchestrator turns detected transactions into relay submissions, one at a time.
type Orchestrator struct {
	log      *zap.Logger
	heads    HeadSource
	state    simulation.StateReader
	builder  PlanBuilder
	wallet   TxSigner
	relay    RelayForwarder
	attempts AttemptCache
	storage  AttemptStorage
	outcomes OutcomeBackend
	limiter  *rate.Limiter
	mode     Mode

	processed atomic.Uint64
	succeeded atomic.Uint64
	lastBlock atomic.Uint64
}

func NewOrchestrator(logger *zap.Logger, opts OrchestratorOpts) *Orchestrator {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeSimulate
	}
	return &Orchestrator{
		log:      logger.Named("orchestrator"),
		heads:    opts.Heads,
		state:    opts.State,
		builder:  opts.Builder,
		wallet:   opts.Wallet,
		relay:    opts.Relay,
		attempts: opts.Attempts,
		storage:  opts.Storage,
		outcomes: opts.Outcomes,
		limiter:  limiter,
		mode:     mode,
	}
}

// Run processes transactions in arrival order until txs is closed or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, txs <-chan *types.Transaction) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx, ok := <-txs:
			if !ok {
				o.log.Info("Queue closed, orchestrator stopped",
					zap.Uint64("processed", o.processed.Load()),
					zap.Uint64("succeeded", o.succeeded.Load()))
				return nil
			}
			_, _ = o.Process(ctx, tx)
		}
	}
}

// Process runs one opportunity end to end. Errors never affect other opportunities.
func (o *Orchestrator) Process(ctx context.Context, victim *types.Transaction) (*Attempt, error) {
	startAt := time.Now()
	attempt := &Attempt{
		TxHash:    victim.Hash(),
		Mode:      o.mode,
		StartedAt: startAt,
	}
	log := o.log.With(zap.String("tx", victim.Hash().Hex()))

	err := o.process(ctx, log, attempt, victim)
	attempt.Duration = time.Since(startAt)

	if errors.Is(err, ErrDuplicateAttempt) {
		log.Debug("Transaction already attempted")
		return attempt, err
	}

	o.processed.Add(1)
	metrics.RecordAttemptDuration(attempt.Duration.Milliseconds())
	if err != nil {
		attempt.Error = err.Error()
		metrics.IncAttemptFailure(string(attempt.Stage))
		if isNoOpportunity(err) {
			log.Debug("No opportunity", zap.String("stage", string(attempt.Stage)), zap.Error(err))
		} else {
			log.Warn("Attempt failed", zap.String("stage", string(attempt.Stage)), zap.Error(err))
		}
	} else {
		attempt.Stage = StageDone
		o.succeeded.Add(1)
		log.Info("Bundle submitted",
			zap.String("mode", string(attempt.Mode)),
			zap.String("bundle", attempt.BundleHash.Hex()),
			zap.String("relayBundle", attempt.RelayHash.Hex()),
			zap.Uint64("targetBlock", attempt.TargetBlock),
			zap.String("profit", formatUnits(attempt.Profit.ToInt(), "eth")),
			zap.Duration("duration", attempt.Duration))
	}

	o.record(ctx, log, attempt)
	return attempt, err
}

func (o *Orchestrator) process(ctx context.Context, log *zap.Logger, attempt *Attempt, victim *types.Transaction) error {
	attempt.Stage = StageDedupe
	claimed, err := o.attempts.TryClaim(ctx, victim.Hash())
	if err != nil {
		return err
	}
	if !claimed {
		metrics.IncAttemptsDuplicated()
		return ErrDuplicateAttempt
	}
	metrics.IncAttempts()

	attempt.Stage = StageHead
	head, err := o.heads.BlockNumber(ctx)
	if err != nil {
		return err
	}
	o.lastBlock.Store(head)

	attempt.Stage = StageBuild
	cache := simulation.NewStateCache(o.state, head)
	plan, err := o.builder.Build(ctx, cache, victim)
	if err != nil {
		return err
	}
	attempt.Pool = plan.Swap.Pool

	attempt.Stage = StageAssemble
	attempt.TargetBlock = head + 1
	bundle, err := Assemble(o.wallet, plan.Front, victim, plan.Back, attempt.TargetBlock)
	if err != nil {
		return err
	}
	attempt.BundleHash = bundle.Hash()
	metrics.IncBundlesBuilt()
	log.Debug("Bundle assembled",
		zap.String("bundle", attempt.BundleHash.Hex()),
		zap.String("pool", attempt.Pool.Hex()),
		zap.Int("size", len(bundle.Items)))

	attempt.Stage = StageRelay
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	var res *RelayResponse
	switch o.mode {
	case ModeSend:
		res, err = o.relay.Send(ctx, bundle)
	default:
		res, err = o.relay.Simulate(ctx, bundle)
	}
	if err != nil {
		return err
	}

	attempt.RelayHash = res.BundleHash
	attempt.Success = res.Success
	attempt.GasUsed = res.GasUsed
	if res.Profit != nil {
		attempt.Profit = (*hexutil.Big)(res.Profit)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrBundleRejected, res.Error)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, attempt *Attempt) {
	if o.storage != nil {
		if err := o.storage.InsertAttempt(ctx, attempt); err != nil {
			log.Error("Failed to store attempt", zap.Error(err))
		}
	}
	if o.outcomes != nil {
		if err := o.outcomes.PublishAttempt(ctx, attempt); err != nil {
			log.Warn("Failed to publish attempt", zap.Error(err))
		}
	}
}

// isNoOpportunity reports errors that only mean the transaction was not worth bundling.
func isNoOpportunity(err error) bool {
	return errors.Is(err, simulation.ErrReverted) ||
		errors.Is(err, simulation.ErrHalted) ||
		errors.Is(err, ErrUnexpectedCount) ||
		errors.Is(err, ErrInvalidPool)
}

type OrchestratorStatus struct {
	Processed uint64
	Succeeded uint64
	LastBlock uint64
}

func (o *Orchestrator) Status() OrchestratorStatus {
	return OrchestratorStatus{
		Processed: o.processed.Load(),
		Succeeded: o.succeeded.Load(),
		LastBlock: o.lastBlock.Load(),
	}
}
