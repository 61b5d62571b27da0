package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	targetAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")
	otherAddress  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeSource struct {
	mu     sync.Mutex
	txs    map[common.Hash]*types.Transaction
	feed   chan common.Hash
	full   chan *types.Transaction
	subErr error
	fail   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		txs:  make(map[common.Hash]*types.Transaction),
		feed: make(chan common.Hash, 64),
		full: make(chan *types.Transaction, 64),
		fail: make(chan error, 1),
	}
}

// announce makes tx resolvable and pushes its hash to the pending feed
func (s *fakeSource) announce(tx *types.Transaction) {
	s.mu.Lock()
	s.txs[tx.Hash()] = tx
	s.mu.Unlock()
	s.feed <- tx.Hash()
}

func (s *fakeSource) SubscribePending(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case <-quit:
				return nil
			case err := <-s.fail:
				return err
			case hash := <-s.feed:
				select {
				case ch <- hash:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func (s *fakeSource) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, true, nil
}

type fakeFullSource struct {
	*fakeSource
}

func (s fakeFullSource) SubscribeFullPending(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case <-quit:
				return nil
			case tx := <-s.full:
				select {
				case ch <- tx:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func newTx(nonce uint64, to *common.Address, data []byte) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce: nonce,
		To:    to,
		Gas:   21000,
		Data:  data,
	})
}

func receive(t *testing.T, ch <-chan *types.Transaction) *types.Transaction {
	t.Helper()
	select {
	case tx := <-ch:
		return tx
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for tx")
		return nil
	}
}

func requireNothing(t *testing.T, ch <-chan *types.Transaction, window time.Duration) {
	t.Helper()
	select {
	case tx, ok := <-ch:
		if ok {
			t.Fatalf("unexpected tx %s", tx.Hash().Hex())
		}
	case <-time.After(window):
	}
}

func TestFilterMatches(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	toTarget := newTx(0, &targetAddress, data)
	toOther := newTx(1, &otherAddress, nil)
	creation := newTx(2, nil, data)

	require.True(t, Recipient(targetAddress).Matches(toTarget))
	require.False(t, Recipient(targetAddress).Matches(toOther))
	require.False(t, Recipient(targetAddress).Matches(creation))

	require.True(t, CallData(data).Matches(toTarget))
	require.True(t, CallData(data).Matches(creation))
	require.False(t, CallData(data).Matches(toOther))
	require.False(t, CallData(data[:2]).Matches(toTarget))

	require.True(t, None().Matches(toOther))
	require.True(t, Filter{}.Matches(creation))
}

func TestShutdownSignalIdempotent(t *testing.T) {
	s := NewShutdownSignal()
	require.False(t, s.IsShutdown())
	require.False(t, s.IsFinished())

	s.Shutdown()
	s.Shutdown()
	require.True(t, s.IsShutdown())
	require.False(t, s.IsFinished())

	s.finish()
	s.finish()
	require.True(t, s.IsFinished())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel is not closed")
	}
	select {
	case <-s.Finished():
	default:
		t.Fatal("finished channel is not closed")
	}
}

func TestWatcherForwardsMatchesInOrder(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, Recipient(targetAddress), shutdown, Config{})
	require.NoError(t, err)

	var expected []common.Hash
	for i := uint64(0); i < 10; i++ {
		to := targetAddress
		if i%3 == 0 {
			to = otherAddress
		}
		tx := newTx(i, &to, nil)
		if to == targetAddress {
			expected = append(expected, tx.Hash())
		}
		source.announce(tx)
	}
	for _, hash := range expected {
		require.Equal(t, hash, receive(t, txs).Hash())
	}
	requireNothing(t, txs, 200*time.Millisecond)

	shutdown.Shutdown()
	require.NoError(t, handle.Wait())
}

func TestWatcherIgnoresNonMatching(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, Recipient(targetAddress), shutdown, Config{})
	require.NoError(t, err)

	source.announce(newTx(0, &otherAddress, nil))
	requireNothing(t, txs, 300*time.Millisecond)

	shutdown.Shutdown()
	require.NoError(t, handle.Wait())
}

func TestWatcherShutdownWithinTick(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, None(), shutdown, Config{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return handle.State() == StateStreaming }, time.Second, time.Millisecond)

	start := time.Now()
	shutdown.Shutdown()
	shutdown.Shutdown()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	require.Less(t, time.Since(start), 150*time.Millisecond)
	require.True(t, shutdown.IsFinished())
	require.Equal(t, StateStopped, handle.State())
	require.NoError(t, handle.Err())

	_, ok := <-txs
	require.False(t, ok)
}

func TestWatcherDropsUnresolvableTx(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, None(), shutdown, Config{})
	require.NoError(t, err)

	source.feed <- common.HexToHash("0xabcd")
	tx := newTx(7, &targetAddress, nil)
	source.announce(tx)

	require.Equal(t, tx.Hash(), receive(t, txs).Hash())
	require.Equal(t, StateStreaming, handle.State())

	shutdown.Shutdown()
	require.NoError(t, handle.Wait())
}

func TestWatcherSubscriptionLossIsFatal(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, None(), shutdown, Config{})
	require.NoError(t, err)

	lost := errors.New("connection reset")
	source.fail <- lost

	require.ErrorIs(t, handle.Wait(), lost)
	require.Equal(t, StateStopped, handle.State())
	require.True(t, shutdown.IsFinished())
	_, ok := <-txs
	require.False(t, ok)
}

func TestWatcherStartErrors(t *testing.T) {
	source := newFakeSource()
	source.subErr = errors.New("no ws")
	_, _, err := Start(context.Background(), zap.NewNop(), source, None(), NewShutdownSignal(), Config{})
	require.ErrorIs(t, err, source.subErr)

	_, _, err = Start(context.Background(), zap.NewNop(), newFakeSource(), None(), NewShutdownSignal(), Config{FullTransactions: true})
	require.ErrorIs(t, err, ErrFullFeedUnsupported)

	_, _, err = Start(context.Background(), zap.NewNop(), newFakeSource(), None(), NewShutdownSignal(), Config{TickInterval: time.Second})
	require.ErrorIs(t, err, ErrInvalidTick)
}

func TestWatcherFullTransactions(t *testing.T) {
	source := fakeFullSource{newFakeSource()}
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, CallData([]byte{1, 2}), shutdown, Config{FullTransactions: true})
	require.NoError(t, err)

	source.full <- newTx(0, &targetAddress, []byte{1})
	match := newTx(1, &targetAddress, []byte{1, 2})
	source.full <- match

	require.Equal(t, match.Hash(), receive(t, txs).Hash())
	requireNothing(t, txs, 200*time.Millisecond)

	shutdown.Shutdown()
	require.NoError(t, handle.Wait())
}

func TestWatcherDropPolicy(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, None(), shutdown, Config{QueueCapacity: 1, Policy: PolicyDrop})
	require.NoError(t, err)

	first := newTx(0, &targetAddress, nil)
	source.announce(first)
	source.announce(newTx(1, &targetAddress, nil))
	source.announce(newTx(2, &targetAddress, nil))
	require.Eventually(t, func() bool { return len(txs) == 1 && len(source.feed) == 0 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	shutdown.Shutdown()
	require.NoError(t, handle.Wait())

	var got []common.Hash
	for tx := range txs {
		got = append(got, tx.Hash())
	}
	require.Equal(t, []common.Hash{first.Hash()}, got)
}

func TestWatcherBlockPolicy(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	handle, txs, err := Start(context.Background(), zap.NewNop(), source, None(), shutdown, Config{QueueCapacity: 1, Policy: PolicyBlock})
	require.NoError(t, err)

	var expected []common.Hash
	for i := uint64(0); i < 5; i++ {
		tx := newTx(i, &targetAddress, nil)
		expected = append(expected, tx.Hash())
		source.announce(tx)
	}

	for _, hash := range expected {
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, hash, receive(t, txs).Hash())
	}

	// a blocked stream still honours the stop request
	source.announce(newTx(10, &targetAddress, nil))
	source.announce(newTx(11, &targetAddress, nil))
	time.Sleep(50 * time.Millisecond)
	shutdown.Shutdown()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("blocked watcher did not stop")
	}
}

func TestWatcherBlockPolicyCancelled(t *testing.T) {
	source := newFakeSource()
	shutdown := NewShutdownSignal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle, txs, err := Start(ctx, zap.NewNop(), source, None(), shutdown, Config{QueueCapacity: 1, Policy: PolicyBlock})
	require.NoError(t, err)

	// the second match blocks on the full queue
	source.announce(newTx(0, &targetAddress, nil))
	source.announce(newTx(1, &targetAddress, nil))
	require.Eventually(t, func() bool { return len(txs) == 1 && len(source.feed) == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("blocked watcher did not stop")
	}
	require.ErrorIs(t, handle.Err(), context.Canceled)
	require.Equal(t, StateStopped, handle.State())
	require.False(t, shutdown.IsShutdown())
	require.True(t, shutdown.IsFinished())
}
