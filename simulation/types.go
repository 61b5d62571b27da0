// Package simulation replays transactions against a block-pinned, commit-on-write state cache
// and triages the results.
package simulation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrReverted  = errors.New("execution reverted")
	ErrHalted    = errors.New("execution halted")
	ErrCacheBusy = errors.New("state cache is owned by another simulation session")
	ErrNoTrace   = errors.New("tracer returned no call frame")
)

type ResultKind uint8

const (
	Success ResultKind = iota
	Revert
	Halt
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Revert:
		return "revert"
	case Halt:
		return "halt"
	default:
		return "unknown"
	}
}

// ExecutionResult is the outcome of one replayed transaction.
type ExecutionResult struct {
	Kind    ResultKind
	Output  []byte
	GasUsed uint64
	// Logs are only set for Success
	Logs []*types.Log
	// Reason is the decoded revert reason or the halt error
	Reason string
	State  StateDiff
}

func (r *ExecutionResult) IsSuccess() bool {
	return r.Kind == Success
}

// Touched reports whether the account's state was modified by the execution.
func (r *ExecutionResult) Touched(addr common.Address) bool {
	_, ok := r.State[addr]
	return ok
}

// AccountState is a full or partial view of an account. Nil fields are unknown or unchanged.
type AccountState struct {
	Balance *big.Int
	Nonce   *uint64
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// AccountDiff describes what one execution did to one account.
//
// Pre holds the full account before execution and the original value of every modified slot.
// Post holds only the fields that changed; a slot present in Pre and absent from Post is now zero.
type AccountDiff struct {
	Pre     AccountState
	Post    AccountState
	Deleted bool
}

// BalanceDelta is post balance minus pre balance.
func (d *AccountDiff) BalanceDelta() *big.Int {
	pre := d.Pre.Balance
	if pre == nil {
		pre = new(big.Int)
	}
	post := d.PostBalance()
	return new(big.Int).Sub(post, pre)
}

// PostBalance is the balance after execution.
func (d *AccountDiff) PostBalance() *big.Int {
	switch {
	case d.Deleted:
		return new(big.Int)
	case d.Post.Balance != nil:
		return new(big.Int).Set(d.Post.Balance)
	case d.Pre.Balance != nil:
		return new(big.Int).Set(d.Pre.Balance)
	default:
		return new(big.Int)
	}
}

// PostStorage returns every slot touched by the execution with its new value.
func (d *AccountDiff) PostStorage() map[common.Hash]common.Hash {
	res := make(map[common.Hash]common.Hash, len(d.Pre.Storage)+len(d.Post.Storage))
	for slot := range d.Pre.Storage {
		res[slot] = common.Hash{}
	}
	if d.Deleted {
		return res
	}
	for slot, value := range d.Post.Storage {
		res[slot] = value
	}
	return res
}

type StateDiff map[common.Address]*AccountDiff

// Request is a transaction to replay. Gas and Nonce are optional.
type Request struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
	Gas   *uint64
	Nonce *uint64
}

type Outcome struct {
	Result *ExecutionResult
	Err    error
}

// RevertedError is returned when a replayed transaction did not succeed.
// errors.Is matches ErrReverted or ErrHalted depending on the result kind.
type RevertedError struct {
	Result *ExecutionResult
}

func (e *RevertedError) Error() string {
	base := ErrReverted
	if e.Result.Kind == Halt {
		base = ErrHalted
	}
	if e.Result.Reason == "" {
		return base.Error()
	}
	return fmt.Sprintf("%s: %s", base.Error(), e.Result.Reason)
}

func (e *RevertedError) Is(target error) bool {
	switch target {
	case ErrReverted:
		return e.Result.Kind == Revert
	case ErrHalted:
		return e.Result.Kind == Halt
	default:
		return false
	}
}
