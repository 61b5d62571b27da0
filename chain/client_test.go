package chain

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/mev-jit-searcher/searcher"
	"github.com/flashbots/mev-jit-searcher/simulation"
	"github.com/flashbots/mev-jit-searcher/watcher"
	"github.com/stretchr/testify/require"
)

// Node covers every consumer slice of the node
var (
	_ watcher.Source          = Node(nil)
	_ watcher.FullSource      = Node(nil)
	_ simulation.StateReader  = Node(nil)
	_ searcher.ContractCaller = Node(nil)
	_ searcher.HeadSource     = Node(nil)
)

type testEthService struct{}

func (testEthService) BlockNumber() hexutil.Uint64 {
	return 100
}

func (testEthService) ChainId() *hexutil.Big { //nolint:stylecheck
	return (*hexutil.Big)(big.NewInt(1))
}

func (testEthService) GetStorageAt(_ common.Address, slot common.Hash, _ string) hexutil.Bytes {
	return slot.Bytes()
}

func newTestServer(t *testing.T) *rpc.Server {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", new(testEthService)))
	t.Cleanup(server.Stop)
	return server
}

func TestClient(t *testing.T) {
	client := NewClient(rpc.DialInProc(newTestServer(t)))
	defer client.Close()
	ctx := context.Background()

	head, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), head)

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), chainID.Int64())

	slot := common.HexToHash("0x2a")
	value, err := client.StorageAt(ctx, common.HexToAddress("0x01"), slot, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, slot.Bytes(), value)
}

func TestClient_NoSubscriptionsOverHTTP(t *testing.T) {
	httpServer := httptest.NewServer(newTestServer(t))
	defer httpServer.Close()

	rpcClient, err := rpc.DialHTTP(httpServer.URL)
	require.NoError(t, err)
	client := NewClient(rpcClient)
	defer client.Close()

	_, err = client.SubscribePending(context.Background(), make(chan common.Hash))
	require.ErrorIs(t, err, ErrNoSubscriptions)
	_, err = client.SubscribeFullPending(context.Background(), make(chan *types.Transaction))
	require.ErrorIs(t, err, ErrNoSubscriptions)
}
