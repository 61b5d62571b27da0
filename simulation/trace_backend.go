package simulation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
)

// TraceBackend executes a call on top of a pinned block and returns its call tree and state diff.
type TraceBackend interface {
	TraceCall(ctx context.Context, args CallArgs, block uint64, overrides map[common.Address]OverrideAccount) (*Trace, error)
}

type CallArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Gas   hexutil.Uint64  `json:"gas"`
	Nonce hexutil.Uint64  `json:"nonce"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Input hexutil.Bytes   `json:"input,omitempty"`
}

type CallLog struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     hexutil.Bytes  `json:"data"`
	Position hexutil.Uint   `json:"position"`
}

// CallFrame is one frame of the callTracer output.
type CallFrame struct {
	Type         string          `json:"type"`
	From         common.Address  `json:"from"`
	To           *common.Address `json:"to,omitempty"`
	Value        *hexutil.Big    `json:"value,omitempty"`
	Gas          hexutil.Uint64  `json:"gas"`
	GasUsed      hexutil.Uint64  `json:"gasUsed"`
	Input        hexutil.Bytes   `json:"input"`
	Output       hexutil.Bytes   `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	RevertReason string          `json:"revertReason,omitempty"`
	Calls        []CallFrame     `json:"calls,omitempty"`
	Logs         []CallLog       `json:"logs,omitempty"`
}

// TraceAccount is one account of the prestateTracer output.
type TraceAccount struct {
	Balance *hexutil.Big                `json:"balance,omitempty"`
	Nonce   uint64                      `json:"nonce,omitempty"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

type PrestateDiff struct {
	Pre  map[common.Address]*TraceAccount `json:"pre"`
	Post map[common.Address]*TraceAccount `json:"post"`
}

// Trace is the muxTracer output of debug_traceCall.
type Trace struct {
	Call     *CallFrame   `json:"callTracer"`
	Prestate PrestateDiff `json:"prestateTracer"`
}

type traceConfig struct {
	Tracer         string                             `json:"tracer"`
	TracerConfig   map[string]any                     `json:"tracerConfig"`
	StateOverrides map[common.Address]OverrideAccount `json:"stateOverrides,omitempty"`
}

var muxTracerConfig = map[string]any{
	"callTracer":     map[string]any{"withLog": true},
	"prestateTracer": map[string]any{"diffMode": true},
}

// JSONRPCTraceBackend runs debug_traceCall on a node.
type JSONRPCTraceBackend struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCTraceBackend(url string) *JSONRPCTraceBackend {
	return &JSONRPCTraceBackend{
		client: jsonrpc.NewClient(url),
	}
}

func (b *JSONRPCTraceBackend) TraceCall(ctx context.Context, args CallArgs, block uint64, overrides map[common.Address]OverrideAccount) (*Trace, error) {
	cfg := traceConfig{
		Tracer:         "muxTracer",
		TracerConfig:   muxTracerConfig,
		StateOverrides: overrides,
	}
	var result Trace
	err := b.client.CallFor(ctx, &result, "debug_traceCall", args, hexutil.Uint64(block), cfg)
	if err != nil {
		return nil, err
	}
	if result.Call == nil {
		return nil, ErrNoTrace
	}
	return &result, nil
}

func (a *TraceAccount) preState() AccountState {
	nonce := a.Nonce
	st := AccountState{
		Balance: new(big.Int),
		Nonce:   &nonce,
		Code:    common.CopyBytes(a.Code),
		Storage: a.Storage,
	}
	if st.Code == nil {
		st.Code = []byte{}
	}
	if a.Balance != nil {
		st.Balance.Set(a.Balance.ToInt())
	}
	return st
}

func (a *TraceAccount) postState() AccountState {
	var st AccountState
	if a.Balance != nil {
		st.Balance = new(big.Int).Set(a.Balance.ToInt())
	}
	if a.Nonce != 0 {
		nonce := a.Nonce
		st.Nonce = &nonce
	}
	if a.Code != nil {
		st.Code = common.CopyBytes(a.Code)
	}
	st.Storage = a.Storage
	return st
}

// preStates returns the full pre-execution state of every account in the trace.
func (t *Trace) preStates() map[common.Address]AccountState {
	res := make(map[common.Address]AccountState, len(t.Prestate.Pre))
	for addr, acc := range t.Prestate.Pre {
		if acc != nil {
			res[addr] = acc.preState()
		}
	}
	return res
}

// stateDiff folds the diffMode output into a StateDiff.
// An account present in pre but not in post was deleted.
func (t *Trace) stateDiff() StateDiff {
	diff := make(StateDiff, len(t.Prestate.Post))
	for addr, acc := range t.Prestate.Pre {
		if acc == nil {
			continue
		}
		d := &AccountDiff{Pre: acc.preState()}
		if post, ok := t.Prestate.Post[addr]; ok && post != nil {
			d.Post = post.postState()
		} else {
			d.Deleted = true
		}
		diff[addr] = d
	}
	for addr, acc := range t.Prestate.Post {
		if _, ok := diff[addr]; ok || acc == nil {
			continue
		}
		// created during execution
		zero := uint64(0)
		diff[addr] = &AccountDiff{
			Pre:  AccountState{Balance: new(big.Int), Nonce: &zero, Code: []byte{}},
			Post: acc.postState(),
		}
	}
	return diff
}
