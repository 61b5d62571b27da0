package watcher

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type FilterKind uint8

const (
	FilterNone FilterKind = iota
	FilterRecipient
	FilterCallData
)

// Filter is a stateless predicate over pending transactions.
// The zero value matches everything.
type Filter struct {
	kind      FilterKind
	recipient common.Address
	callData  []byte
}

func Recipient(addr common.Address) Filter {
	return Filter{kind: FilterRecipient, recipient: addr}
}

func CallData(data []byte) Filter {
	return Filter{kind: FilterCallData, callData: common.CopyBytes(data)}
}

func None() Filter {
	return Filter{kind: FilterNone}
}

func (f Filter) Kind() FilterKind {
	return f.kind
}

func (f Filter) Matches(tx *types.Transaction) bool {
	switch f.kind {
	case FilterRecipient:
		to := tx.To()
		// contract creations have no recipient
		return to != nil && *to == f.recipient
	case FilterCallData:
		return bytes.Equal(tx.Data(), f.callData)
	default:
		return true
	}
}

func (f Filter) String() string {
	switch f.kind {
	case FilterRecipient:
		return "recipient(" + f.recipient.Hex() + ")"
	case FilterCallData:
		return "calldata(" + common.Bytes2Hex(f.callData) + ")"
	default:
		return "none"
	}
}
