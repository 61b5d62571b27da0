// Package chain wraps node access behind the narrow set of calls the searcher needs.
//
// Nothing outside this package knows which transport or client library is used to talk to the node.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var ErrNoSubscriptions = errors.New("node connection does not support subscriptions")

// Node is everything the searcher core reads from a node.
type Node interface {
	SubscribePending(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	SubscribeFullPending(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)

	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)

	Close()
}

var _ Node = (*Client)(nil)

// Client is the go-ethereum backed Node.
type Client struct {
	rpc  *rpc.Client
	eth  *ethclient.Client
	geth *gethclient.Client
}

func Dial(ctx context.Context, url string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewClient(rpcClient), nil
}

func NewClient(rpcClient *rpc.Client) *Client {
	return &Client{
		rpc:  rpcClient,
		eth:  ethclient.NewClient(rpcClient),
		geth: gethclient.New(rpcClient),
	}
}

func (c *Client) SubscribePending(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	sub, err := c.geth.SubscribePendingTransactions(ctx, ch)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, ErrNoSubscriptions
	}
	return sub, err
}

// SubscribeFullPending uses the provider-extended topic that streams full transaction objects.
func (c *Client) SubscribeFullPending(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error) {
	sub, err := c.geth.SubscribeFullPendingTransactions(ctx, ch)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, ErrNoSubscriptions
	}
	return sub, err
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, blockNumber)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, account, blockNumber)
}

func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return c.eth.NonceAt(ctx, account, blockNumber)
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CodeAt(ctx, account, blockNumber)
}

func (c *Client) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	return c.eth.StorageAt(ctx, account, key, blockNumber)
}

func (c *Client) Close() {
	c.rpc.Close()
}
