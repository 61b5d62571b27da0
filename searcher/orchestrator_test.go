package searcher

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRelay consumes bundles like a real relay and records them
type fakeRelay struct {
	mu        sync.Mutex
	simulated []*Bundle
	sent      []*Bundle
	reject    string
}

func (r *fakeRelay) respond(method string, bundle *Bundle) *RelayResponse {
	return &RelayResponse{
		Method:     method,
		BundleHash: bundle.Hash(),
		Success:    r.reject == "",
		Error:      r.reject,
		Profit:     big.NewInt(1_000_000_000_000_000),
		GasUsed:    400_000,
	}
}

func (r *fakeRelay) Simulate(_ context.Context, bundle *Bundle) (*RelayResponse, error) {
	if err := bundle.consume(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.simulated = append(r.simulated, bundle)
	return r.respond(SimBundleEndpointName, bundle), nil
}

func (r *fakeRelay) Send(_ context.Context, bundle *Bundle) (*RelayResponse, error) {
	if err := bundle.consume(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, bundle)
	return r.respond(SendBundleEndpointName, bundle), nil
}

type memoryStorage struct {
	mu       sync.Mutex
	attempts map[common.Hash]*Attempt
}

func (s *memoryStorage) InsertAttempt(_ context.Context, attempt *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = make(map[common.Hash]*Attempt)
	}
	if _, ok := s.attempts[attempt.TxHash]; !ok {
		s.attempts[attempt.TxHash] = attempt
	}
	return nil
}

type memoryOutcomes struct {
	mu        sync.Mutex
	published []*Attempt
}

func (o *memoryOutcomes) PublishAttempt(_ context.Context, attempt *Attempt) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, attempt)
	return nil
}

type orchestratorTest struct {
	chain        *fakeChain
	relay        *fakeRelay
	storage      *memoryStorage
	outcomes     *memoryOutcomes
	orchestrator *Orchestrator
}

func newOrchestratorTest(mode Mode) *orchestratorTest {
	chain := newFakeChain()
	test := &orchestratorTest{
		chain:    chain,
		relay:    &fakeRelay{},
		storage:  &memoryStorage{},
		outcomes: &memoryOutcomes{},
	}
	test.orchestrator = NewOrchestrator(zap.NewNop(), OrchestratorOpts{
		Heads:    chain,
		State:    chain,
		Builder:  newTestBundler(chain, &swapBackend{}),
		Wallet:   NewWallet(searcherKey, chainID),
		Relay:    test.relay,
		Attempts: NewMemoryAttemptCache(time.Minute),
		Storage:  test.storage,
		Outcomes: test.outcomes,
		Mode:     mode,
	})
	return test
}

func TestOrchestrator_Process(t *testing.T) {
	test := newOrchestratorTest(ModeSimulate)
	victim := signedVictim(t, router)

	attempt, err := test.orchestrator.Process(context.Background(), victim)
	require.NoError(t, err)
	require.Equal(t, StageDone, attempt.Stage)
	require.True(t, attempt.Success)
	require.Equal(t, victim.Hash(), attempt.TxHash)
	require.Equal(t, pool, attempt.Pool)
	require.Equal(t, uint64(101), attempt.TargetBlock)
	require.Equal(t, ModeSimulate, attempt.Mode)
	require.Equal(t, big.NewInt(1_000_000_000_000_000), attempt.Profit.ToInt())

	require.Len(t, test.relay.simulated, 1)
	require.Empty(t, test.relay.sent)
	bundle := test.relay.simulated[0]
	require.Equal(t, attempt.BundleHash, bundle.Hash())
	require.Equal(t, uint64(101), bundle.TargetBlock)
	require.Len(t, bundle.Items, 3)
	require.Equal(t, victim.Hash(), bundle.Items[1].Hash)

	var front types.Transaction
	require.NoError(t, front.UnmarshalBinary(bundle.Items[0].Tx))
	require.Equal(t, executor, *front.To())
	require.Equal(t, uint64(5), front.Nonce())

	require.Contains(t, test.storage.attempts, victim.Hash())
	require.Len(t, test.outcomes.published, 1)

	status := test.orchestrator.Status()
	require.Equal(t, uint64(1), status.Processed)
	require.Equal(t, uint64(1), status.Succeeded)
	require.Equal(t, uint64(100), status.LastBlock)
}

func TestOrchestrator_AtMostOneAttempt(t *testing.T) {
	test := newOrchestratorTest(ModeSend)
	victim := signedVictim(t, router)

	_, err := test.orchestrator.Process(context.Background(), victim)
	require.NoError(t, err)

	attempt, err := test.orchestrator.Process(context.Background(), victim)
	require.ErrorIs(t, err, ErrDuplicateAttempt)
	require.Equal(t, StageDedupe, attempt.Stage)

	require.Len(t, test.relay.sent, 1)
	require.Empty(t, test.relay.simulated)
	// duplicates are not recorded
	require.Len(t, test.outcomes.published, 1)
	require.Equal(t, uint64(1), test.orchestrator.Status().Processed)
}

func TestOrchestrator_FailuresAreScoped(t *testing.T) {
	test := newOrchestratorTest(ModeSimulate)

	noSwap := signedVictim(t, plainTarget)
	attempt, err := test.orchestrator.Process(context.Background(), noSwap)
	require.ErrorIs(t, err, ErrUnexpectedCount)
	require.Equal(t, StageBuild, attempt.Stage)
	require.False(t, attempt.Success)
	require.NotEmpty(t, attempt.Error)
	require.Empty(t, test.relay.simulated)
	require.Contains(t, test.storage.attempts, noSwap.Hash())

	// the next opportunity is unaffected
	_, err = test.orchestrator.Process(context.Background(), signedVictim(t, router))
	require.NoError(t, err)
	require.Len(t, test.relay.simulated, 1)

	status := test.orchestrator.Status()
	require.Equal(t, uint64(2), status.Processed)
	require.Equal(t, uint64(1), status.Succeeded)
}

func TestOrchestrator_Rejected(t *testing.T) {
	test := newOrchestratorTest(ModeSimulate)
	test.relay.reject = "bundle reverted"

	attempt, err := test.orchestrator.Process(context.Background(), signedVictim(t, router))
	require.ErrorIs(t, err, ErrBundleRejected)
	require.Equal(t, StageRelay, attempt.Stage)
	require.False(t, attempt.Success)
	require.Len(t, test.relay.simulated, 1)
}

func TestOrchestrator_Run(t *testing.T) {
	test := newOrchestratorTest(ModeSimulate)

	// victims differ by recipient
	victims := []*types.Transaction{signedVictim(t, router), signedVictim(t, plainTarget), signedVictim(t, revertRouter)}
	txs := make(chan *types.Transaction, len(victims))
	for _, tx := range victims {
		txs <- tx
	}
	close(txs)

	require.NoError(t, test.orchestrator.Run(context.Background(), txs))
	require.Equal(t, uint64(3), test.orchestrator.Status().Processed)
	require.Equal(t, uint64(1), test.orchestrator.Status().Succeeded)

	// processed in arrival order
	require.Len(t, test.outcomes.published, 3)
	for i, tx := range victims {
		require.Equal(t, tx.Hash(), test.outcomes.published[i].TxHash)
	}
}

func TestOrchestrator_RunCancelled(t *testing.T) {
	test := newOrchestratorTest(ModeSimulate)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := test.orchestrator.Run(ctx, make(chan *types.Transaction))
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("send")
	require.NoError(t, err)
	require.Equal(t, ModeSend, mode)

	mode, err = ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeSimulate, mode)

	_, err = ParseMode("broadcast")
	require.ErrorIs(t, err, ErrInvalidMode)
}
