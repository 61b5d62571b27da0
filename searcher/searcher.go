// Package searcher turns detected pending transactions into front-run/back-run bundles and submits them to a relay.
//
// The flow for one opportunity is:
//
//  1. The victim transaction is replayed on a StateCache pinned at the current head.
//  2. Exactly one Uniswap V3 Swap event must be found in the simulated logs.
//  3. The Executor contract calls `execute(pool)` and `finish()` become the front-run and back-run transactions.
//  4. Front-run, victim and back-run are signed and ordered into a bundle targeting the next block.
//  5. The bundle is simulated or sent to the relay exactly once.
//
// Every failure is scoped to one opportunity, nothing is retried.
package searcher

const (
	SimBundleEndpointName  = "mev_simBundle"
	SendBundleEndpointName = "mev_sendBundle"
	CallBundleEndpointName = "eth_callBundle"
	EthSendEndpointName    = "eth_sendBundle"

	StatusEndpointName   = "searcher_status"
	ShutdownEndpointName = "searcher_shutdown"

	BundleVersion = "v0.1"
)
