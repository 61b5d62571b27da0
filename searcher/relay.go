package searcher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-utils/rpcclient"
	"github.com/flashbots/go-utils/signature"
	"github.com/flashbots/mev-jit-searcher/metrics"
	"github.com/metachris/flashbotsrpc"
)

var ErrRelay = errors.New("relay request failed")

// RelayForwarder submits bundles to a relay. Every call consumes the bundle, a bundle is never submitted twice.
type RelayForwarder interface {
	Simulate(ctx context.Context, bundle *Bundle) (*RelayResponse, error)
	Send(ctx context.Context, bundle *Bundle) (*RelayResponse, error)
}

// NewRelayForwarder creates a forwarder for the relay API. Requests are signed with relayKey,
// which must not be the transaction signing key.
func NewRelayForwarder(api RelayAPI, url string, relayKey *ecdsa.PrivateKey) (RelayForwarder, error) { //nolint:ireturn
	switch api {
	case RelayAPIMev, "":
		return NewMevRelay(url, relayKey), nil
	case RelayAPIEth:
		return NewEthRelay(url, relayKey), nil
	default:
		return nil, ErrInvalidRelayAPI
	}
}

// MevRelay talks to relays implementing mev_simBundle and mev_sendBundle.
type MevRelay struct {
	client rpcclient.RPCClient
}

func NewMevRelay(url string, relayKey *ecdsa.PrivateKey) *MevRelay {
	signer := signature.NewSigner(relayKey)
	return &MevRelay{
		client: rpcclient.NewClientWithOpts(url, &rpcclient.RPCClientOpts{Signer: &signer}),
	}
}

func (r *MevRelay) Simulate(ctx context.Context, bundle *Bundle) (*RelayResponse, error) {
	if err := bundle.consume(); err != nil {
		return nil, err
	}

	var res SimMevBundleResponse
	err := timedRelayCall(SimBundleEndpointName, func() error {
		return r.client.CallFor(ctx, &res, SimBundleEndpointName, bundle.MevArgs())
	})
	if err != nil {
		return nil, err
	}
	return &RelayResponse{
		Method:     SimBundleEndpointName,
		BundleHash: bundle.Hash(),
		Success:    res.Success,
		Error:      res.Error,
		Profit:     res.Profit.ToInt(),
		GasUsed:    uint64(res.GasUsed),
	}, nil
}

func (r *MevRelay) Send(ctx context.Context, bundle *Bundle) (*RelayResponse, error) {
	if err := bundle.consume(); err != nil {
		return nil, err
	}

	var res SendMevBundleResponse
	err := timedRelayCall(SendBundleEndpointName, func() error {
		return r.client.CallFor(ctx, &res, SendBundleEndpointName, bundle.MevArgs())
	})
	if err != nil {
		return nil, err
	}
	return &RelayResponse{
		Method:     SendBundleEndpointName,
		BundleHash: res.BundleHash,
		Success:    true,
	}, nil
}

// EthRelay talks to relays implementing eth_callBundle and eth_sendBundle.
type EthRelay struct {
	rpc *flashbotsrpc.FlashbotsRPC
	key *ecdsa.PrivateKey
}

func NewEthRelay(url string, relayKey *ecdsa.PrivateKey) *EthRelay {
	return &EthRelay{
		rpc: flashbotsrpc.New(url),
		key: relayKey,
	}
}

func (r *EthRelay) Simulate(ctx context.Context, bundle *Bundle) (*RelayResponse, error) {
	if err := bundle.consume(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res flashbotsrpc.FlashbotsCallBundleResponse
	err := timedRelayCall(CallBundleEndpointName, func() (err error) {
		res, err = r.rpc.FlashbotsCallBundle(r.key, flashbotsrpc.FlashbotsCallBundleParam{
			Txs:              bundle.RawTxs(),
			BlockNumber:      hexutil.EncodeUint64(bundle.TargetBlock),
			StateBlockNumber: "latest",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return callBundleResponse(&res), nil
}

// callBundleResponse rejects the bundle when any of its transactions failed.
func callBundleResponse(res *flashbotsrpc.FlashbotsCallBundleResponse) *RelayResponse {
	profit, ok := new(big.Int).SetString(res.CoinbaseDiff, 10)
	if !ok {
		profit = new(big.Int)
	}
	response := &RelayResponse{
		Method:     CallBundleEndpointName,
		BundleHash: common.HexToHash(res.BundleHash),
		Success:    true,
		Profit:     profit,
		GasUsed:    uint64(res.TotalGasUsed), //nolint:gosec
	}
	for _, result := range res.Results {
		if result.Error == "" && result.Revert == "" {
			continue
		}
		reason := result.Error
		if result.Revert != "" {
			reason = strings.TrimPrefix(reason+": "+result.Revert, ": ")
		}
		response.Success = false
		response.Error = fmt.Sprintf("tx %s: %s", result.TxHash, reason)
		break
	}
	return response
}

func (r *EthRelay) Send(ctx context.Context, bundle *Bundle) (*RelayResponse, error) {
	if err := bundle.consume(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res flashbotsrpc.FlashbotsSendBundleResponse
	err := timedRelayCall(EthSendEndpointName, func() (err error) {
		res, err = r.rpc.FlashbotsSendBundle(r.key, flashbotsrpc.FlashbotsSendBundleRequest{
			Txs:         bundle.RawTxs(),
			BlockNumber: hexutil.EncodeUint64(bundle.TargetBlock),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &RelayResponse{
		Method:     EthSendEndpointName,
		BundleHash: common.HexToHash(res.BundleHash),
		Success:    true,
	}, nil
}

func timedRelayCall(method string, call func() error) error {
	startAt := time.Now()
	metrics.IncRelayCall(method)
	err := call()
	metrics.RecordRelayCallDuration(method, time.Since(startAt).Milliseconds())
	if err != nil {
		metrics.IncRelayCallFailure(method)
		return fmt.Errorf("%w: %s: %w", ErrRelay, method, err)
	}
	return nil
}
