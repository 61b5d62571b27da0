package searcher

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/go-utils/signature"
	"github.com/flashbots/mev-jit-searcher/jsonrpcserver"
	"github.com/flashbots/mev-jit-searcher/watcher"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticState watcher.State

func (s staticState) State() watcher.State { return watcher.State(s) }

func callAPI(t *testing.T, handler http.Handler, method string, signer *signature.Signer) jsonrpcserver.JSONRPCResponse {
	t.Helper()
	body, err := json.Marshal(jsonrpcserver.JSONRPCRequest{JSONRPC: "2.0", ID: float64(1), Method: method})
	require.NoError(t, err)

	request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	require.NoError(t, err)
	if signer != nil {
		header, err := signer.Create(body)
		require.NoError(t, err)
		request.Header.Set(jsonrpcserver.SignatureHeader, header)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request)
	var res jsonrpcserver.JSONRPCResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res
}

func TestAPI(t *testing.T) {
	adminKey := mustKey("289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032")
	admin := signature.NewSigner(adminKey)
	other := signature.NewSigner(relayKey)

	shutdown := watcher.NewShutdownSignal()
	test := newOrchestratorTest(ModeSimulate)
	api := NewAPI(zap.NewNop(), crypto.PubkeyToAddress(adminKey.PublicKey), shutdown, staticState(watcher.StateStreaming), test.orchestrator)

	handler, err := jsonrpcserver.NewHandler(api.Methods())
	require.NoError(t, err)

	res := callAPI(t, handler, StatusEndpointName, nil)
	require.Nil(t, res.Error)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(*res.Result, &status))
	require.Equal(t, "streaming", status.WatcherState)
	require.False(t, status.ShutdownRequested)

	// only the admin can stop the watcher
	res = callAPI(t, handler, ShutdownEndpointName, nil)
	require.NotNil(t, res.Error)
	require.Equal(t, ErrUnauthorized.Error(), res.Error.Message)
	res = callAPI(t, handler, ShutdownEndpointName, &other)
	require.NotNil(t, res.Error)
	require.False(t, shutdown.IsShutdown())

	res = callAPI(t, handler, ShutdownEndpointName, &admin)
	require.Nil(t, res.Error)
	require.True(t, shutdown.IsShutdown())

	res = callAPI(t, handler, StatusEndpointName, nil)
	require.NoError(t, json.Unmarshal(*res.Result, &status))
	require.True(t, status.ShutdownRequested)
	require.False(t, status.Finished)
}
