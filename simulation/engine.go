package simulation

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-jit-searcher/metrics"
	"go.uber.org/zap"
)

const (
	DefaultGasCap = 30_000_000

	revertError = "execution reverted"
)

// Engine replays transactions against a StateCache.
type Engine struct {
	log     *zap.Logger
	backend TraceBackend
	gasCap  uint64
}

func NewEngine(logger *zap.Logger, backend TraceBackend, gasCap uint64) *Engine {
	if gasCap == 0 {
		gasCap = DefaultGasCap
	}
	return &Engine{
		log:     logger.Named("engine"),
		backend: backend,
		gasCap:  gasCap,
	}
}

// Consume replays requests strictly in order and commits every successful result
// before the next request is replayed. A failed request is not committed and does not stop the batch.
// The returned error is only set if the cache could not be acquired.
func (e *Engine) Consume(ctx context.Context, cache *StateCache, requests []Request) ([]Outcome, error) {
	release, err := cache.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	outcomes := make([]Outcome, 0, len(requests))
	for _, req := range requests {
		res, err := e.execute(ctx, cache, req, true)
		outcomes = append(outcomes, Outcome{Result: res, Err: err})
	}
	return outcomes, nil
}

// SimulateReadOnly replays one request and never commits its result.
func (e *Engine) SimulateReadOnly(ctx context.Context, cache *StateCache, req Request) (*ExecutionResult, error) {
	release, err := cache.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return e.execute(ctx, cache, req, false)
}

func (e *Engine) execute(ctx context.Context, cache *StateCache, req Request, commit bool) (*ExecutionResult, error) {
	startAt := time.Now()
	metrics.IncSimulations()

	args, err := e.callArgs(ctx, cache, req)
	if err != nil {
		metrics.IncSimulationsFailed()
		return nil, err
	}

	trace, err := e.backend.TraceCall(ctx, args, cache.Block(), cache.Overrides())
	if err != nil {
		metrics.IncSimulationsFailed()
		e.log.Debug("Trace call failed", zap.Error(err))
		return nil, err
	}
	metrics.RecordSimulateDuration(time.Since(startAt).Milliseconds())

	if commit {
		cache.memoize(trace.preStates())
	}

	res := traceResult(trace)
	if res.Kind != Success {
		metrics.IncSimulationsFailed()
		return res, &RevertedError{Result: res}
	}

	if commit {
		cache.Commit(res.State)
	}
	return res, nil
}

// callArgs fills the fields the request leaves open: gas from the engine cap and nonce from the cached caller.
func (e *Engine) callArgs(ctx context.Context, cache *StateCache, req Request) (CallArgs, error) {
	args := CallArgs{
		From:  req.From,
		To:    req.To,
		Gas:   hexutil.Uint64(e.gasCap),
		Input: req.Data,
	}
	if req.Value != nil {
		args.Value = (*hexutil.Big)(req.Value)
	}
	if req.Gas != nil {
		args.Gas = hexutil.Uint64(*req.Gas)
	}
	if req.Nonce != nil {
		args.Nonce = hexutil.Uint64(*req.Nonce)
	} else {
		acc, err := cache.GetAccount(ctx, req.From)
		if err != nil {
			return args, err
		}
		args.Nonce = hexutil.Uint64(acc.Nonce)
	}
	return args, nil
}

func traceResult(trace *Trace) *ExecutionResult {
	call := trace.Call
	res := &ExecutionResult{
		Kind:    Success,
		Output:  call.Output,
		GasUsed: uint64(call.GasUsed),
		State:   trace.stateDiff(),
	}
	switch {
	case call.Error == "":
		res.Logs = collectLogs(call, nil)
	case call.Error == revertError:
		res.Kind = Revert
		res.Reason = call.RevertReason
	default:
		res.Kind = Halt
		res.Reason = call.Error
		res.Output = nil
	}
	return res
}

// collectLogs flattens frame logs in emission order. A log's position is the number of subcalls made before it.
func collectLogs(frame *CallFrame, logs []*types.Log) []*types.Log {
	if frame.Error != "" {
		return logs
	}
	next := 0
	for i := 0; i <= len(frame.Calls); i++ {
		for next < len(frame.Logs) && int(frame.Logs[next].Position) <= i {
			l := frame.Logs[next]
			logs = append(logs, &types.Log{
				Address: l.Address,
				Topics:  l.Topics,
				Data:    l.Data,
				Index:   uint(len(logs)),
			})
			next++
		}
		if i < len(frame.Calls) {
			logs = collectLogs(&frame.Calls[i], logs)
		}
	}
	return logs
}

// Results returns the execution results of outcomes that produced one, in order.
func Results(outcomes []Outcome) []*ExecutionResult {
	res := make([]*ExecutionResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil {
			res = append(res, o.Result)
		}
	}
	return res
}
