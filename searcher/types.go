package searcher

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type SendMevBundleArgs struct {
	Version   string             `json:"version"`
	Inclusion MevBundleInclusion `json:"inclusion"`
	Body      []MevBundleBody    `json:"body"`
	Validity  MevBundleValidity  `json:"validity"`
}

type MevBundleInclusion struct {
	BlockNumber hexutil.Uint64 `json:"block"`
	MaxBlock    hexutil.Uint64 `json:"maxBlock,omitempty"`
}

type MevBundleBody struct {
	Tx        *hexutil.Bytes `json:"tx,omitempty"`
	CanRevert bool           `json:"canRevert"`
}

type MevBundleValidity struct {
	Refund []RefundConstraint `json:"refund,omitempty"`
}

type RefundConstraint struct {
	BodyIdx int `json:"bodyIdx"`
	Percent int `json:"percent"`
}

type SendMevBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

type SimMevBundleResponse struct {
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	StateBlock      hexutil.Uint64 `json:"stateBlock"`
	MevGasPrice     hexutil.Big    `json:"mevGasPrice"`
	Profit          hexutil.Big    `json:"profit"`
	RefundableValue hexutil.Big    `json:"refundableValue"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

// RelayResponse is what the searcher keeps from a relay reply, whichever relay API was used.
type RelayResponse struct {
	Method     string
	BundleHash common.Hash
	Success    bool
	Error      string
	Profit     *big.Int
	GasUsed    uint64
}

// TxRequest is an unsigned searcher transaction.
type TxRequest struct {
	To        common.Address
	Data      []byte
	Value     *big.Int
	Gas       uint64
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

type Stage string

const (
	StageDedupe   Stage = "dedupe"
	StageHead     Stage = "head"
	StageBuild    Stage = "build"
	StageAssemble Stage = "assemble"
	StageRelay    Stage = "relay"
	StageDone     Stage = "done"
)

// Attempt is the record of one processed opportunity.
type Attempt struct {
	TxHash      common.Hash    `json:"txHash"`
	BundleHash  common.Hash    `json:"bundleHash,omitempty"`
	RelayHash   common.Hash    `json:"relayBundleHash,omitempty"`
	Pool        common.Address `json:"pool,omitempty"`
	TargetBlock uint64         `json:"targetBlock,omitempty"`
	Mode        Mode           `json:"mode"`
	Stage       Stage          `json:"stage"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Profit      *hexutil.Big   `json:"profit,omitempty"`
	GasUsed     uint64         `json:"gasUsed,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	Duration    time.Duration  `json:"duration"`
}

type StatusResponse struct {
	WatcherState      string `json:"watcherState"`
	ShutdownRequested bool   `json:"shutdownRequested"`
	Finished          bool   `json:"finished"`
	Processed         uint64 `json:"processed"`
	Succeeded         uint64 `json:"succeeded"`
	LastBlock         uint64 `json:"lastBlock"`
}

type ShutdownResponse struct {
	ShutdownRequested bool `json:"shutdownRequested"`
}
