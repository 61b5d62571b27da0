package searcher

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-jit-searcher/jsonrpcserver"
	"github.com/flashbots/mev-jit-searcher/watcher"
	"go.uber.org/zap"
)

var ErrUnauthorized = errors.New("request must be signed by the admin key")

// WatcherState reports the state of the running watcher.
type WatcherState interface {
	State() watcher.State
}

// API is the admin JSON-RPC surface of the searcher.
type API struct {
	log *zap.Logger

	admin        common.Address
	shutdown     *watcher.ShutdownSignal
	watcher      WatcherState
	orchestrator *Orchestrator
}

func NewAPI(log *zap.Logger, admin common.Address, shutdown *watcher.ShutdownSignal, state WatcherState, orchestrator *Orchestrator) *API {
	return &API{
		log:          log.Named("api"),
		admin:        admin,
		shutdown:     shutdown,
		watcher:      state,
		orchestrator: orchestrator,
	}
}

func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		StatusEndpointName:   a.Status,
		ShutdownEndpointName: a.Shutdown,
	}
}

func (a *API) Status(_ context.Context) (*StatusResponse, error) {
	status := a.orchestrator.Status()
	return &StatusResponse{
		WatcherState:      a.watcher.State().String(),
		ShutdownRequested: a.shutdown.IsShutdown(),
		Finished:          a.shutdown.IsFinished(),
		Processed:         status.Processed,
		Succeeded:         status.Succeeded,
		LastBlock:         status.LastBlock,
	}, nil
}

// Shutdown requests the watcher to stop. Already queued transactions are still processed.
func (a *API) Shutdown(ctx context.Context) (*ShutdownResponse, error) {
	signer := jsonrpcserver.GetSigner(ctx)
	if a.admin == (common.Address{}) || signer != a.admin {
		return nil, ErrUnauthorized
	}
	a.log.Info("Shutdown requested", zap.String("signer", signer.Hex()))
	a.shutdown.Shutdown()
	return &ShutdownResponse{ShutdownRequested: true}, nil
}
