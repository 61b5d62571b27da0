package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/mev-jit-searcher/adapters/redis"
	"github.com/flashbots/mev-jit-searcher/chain"
	"github.com/flashbots/mev-jit-searcher/jsonrpcserver"
	"github.com/flashbots/mev-jit-searcher/searcher"
	"github.com/flashbots/mev-jit-searcher/simulation"
	"github.com/flashbots/mev-jit-searcher/watcher"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// .env is loaded before the defaults are read
	_ = godotenv.Load()

	// Default values
	defaultDebug          = os.Getenv("DEBUG") == "1"
	defaultLogProd        = os.Getenv("LOG_PROD") == "1"
	defaultLogService     = os.Getenv("LOG_SERVICE")
	defaultPort           = cli.GetEnv("PORT", "8080")
	defaultMetricsPort    = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint    = cli.GetEnv("ETH_ENDPOINT", "ws://127.0.0.1:8546")
	defaultTraceEndpoint  = cli.GetEnv("TRACE_ENDPOINT", "")
	defaultStrategyConfig = cli.GetEnv("STRATEGY_CONFIG", "strategy.yaml")
	defaultSearcherKey    = os.Getenv("SEARCHER_PRIVATE_KEY")
	defaultRelayKey       = os.Getenv("RELAY_SIGNING_KEY")
	defaultAdminAddress   = os.Getenv("ADMIN_ADDRESS")
	defaultMode           = cli.GetEnv("MODE", string(searcher.ModeSimulate))
	defaultRedisEndpoint  = os.Getenv("REDIS_ENDPOINT")
	defaultChannelName    = cli.GetEnv("REDIS_CHANNEL_NAME", "bundle-attempts")
	defaultPostgresDSN    = os.Getenv("POSTGRES_DSN")
	defaultQueueCapacity  = cli.GetEnv("QUEUE_CAPACITY", strconv.Itoa(watcher.DefaultQueueCapacity))
	defaultQueuePolicy    = cli.GetEnv("QUEUE_POLICY", string(watcher.PolicyDrop))
	defaultFullPending    = os.Getenv("FULL_PENDING") == "1"
	defaultRelayRateLimit = cli.GetEnv("RELAY_RATE_LIMIT", "5")

	// Flags
	debugPtr          = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr        = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr     = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr           = flag.String("port", defaultPort, "admin jsonrpc port to listen on")
	metricsPortPtr    = flag.String("metrics-port", defaultMetricsPort, "metrics and pprof port to listen on")
	ethPtr            = flag.String("eth", defaultEthEndpoint, "eth endpoint, must support subscriptions")
	tracePtr          = flag.String("trace", defaultTraceEndpoint, "endpoint serving debug_traceCall (defaults to eth endpoint)")
	strategyConfigPtr = flag.String("strategy-config", defaultStrategyConfig, "strategy config file")
	searcherKeyPtr    = flag.String("searcher-key", defaultSearcherKey, "searcher transaction signing key (hex)")
	relayKeyPtr       = flag.String("relay-key", defaultRelayKey, "relay request signing key (hex), must differ from the searcher key")
	adminAddressPtr   = flag.String("admin", defaultAdminAddress, "address allowed to call admin methods")
	modePtr           = flag.String("mode", defaultMode, "relay submission mode: simulate or send")
	redisPtr          = flag.String("redis", defaultRedisEndpoint, "redis url string, optional")
	channelPtr        = flag.String("channel", defaultChannelName, "redis pub/sub channel for attempt outcomes")
	postgresDSNPtr    = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, optional")
	queueCapacityPtr  = flag.String("queue-capacity", defaultQueueCapacity, "pending transaction queue capacity")
	queuePolicyPtr    = flag.String("queue-policy", defaultQueuePolicy, "full queue policy: drop or block")
	fullPendingPtr    = flag.Bool("full-pending", defaultFullPending, "subscribe to full pending transactions instead of hashes")
	relayRateLimitPtr = flag.String("relay-rate-limit", defaultRelayRateLimit, "relay submissions per second")
)

const attemptCacheExpiry = 10 * time.Minute

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting mev-jit-searcher", zap.String("version", version))

	strategy, err := searcher.LoadStrategyConfig(*strategyConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load strategy config", zap.Error(err))
	}
	mode, err := searcher.ParseMode(*modePtr)
	if err != nil {
		logger.Fatal("Failed to parse mode", zap.Error(err))
	}

	searcherKey, err := crypto.HexToECDSA(*searcherKeyPtr)
	if err != nil {
		logger.Fatal("Failed to parse searcher key", zap.Error(err))
	}
	relayKey, err := crypto.HexToECDSA(*relayKeyPtr)
	if err != nil {
		logger.Fatal("Failed to parse relay key", zap.Error(err))
	}
	if crypto.PubkeyToAddress(searcherKey.PublicKey) == crypto.PubkeyToAddress(relayKey.PublicKey) {
		logger.Fatal("Relay key must differ from the searcher key")
	}

	client, err := chain.Dial(ctx, *ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to eth endpoint", zap.Error(err))
	}
	var node chain.Node = client
	defer node.Close()

	chainID, err := node.ChainID(ctx)
	if err != nil {
		logger.Fatal("Failed to get chain id", zap.Error(err))
	}
	wallet := searcher.NewWallet(searcherKey, chainID)

	traceEndpoint := *tracePtr
	if traceEndpoint == "" {
		traceEndpoint = *ethPtr
	}
	engine := simulation.NewEngine(logger, simulation.NewJSONRPCTraceBackend(traceEndpoint), strategy.SimulationGasCap)
	pools := searcher.NewPoolMetadataCache(node)
	bundler := searcher.NewBundler(logger, engine, pools, types.LatestSignerForChainID(chainID), wallet.Address(), strategy)

	relay, err := searcher.NewRelayForwarder(strategy.Relay.API, strategy.Relay.URL, relayKey)
	if err != nil {
		logger.Fatal("Failed to create relay forwarder", zap.Error(err))
	}

	rateLimit, err := strconv.ParseFloat(*relayRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse relay rate limit", zap.Error(err))
	}

	opts := searcher.OrchestratorOpts{
		State:    node,
		Builder:  bundler,
		Wallet:   wallet,
		Relay:    relay,
		Attempts: searcher.NewMemoryAttemptCache(attemptCacheExpiry),
		Limiter:  rate.NewLimiter(rate.Limit(rateLimit), 1),
		Mode:     mode,
	}

	if *redisPtr != "" {
		redisOpts, err := goredis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := goredis.NewClient(redisOpts)
		opts.Attempts = redis.NewAttemptCache(redisClient, attemptCacheExpiry, "jit-attempt-")
		opts.Outcomes = searcher.NewRedisOutcomeBackend(redisClient, *channelPtr)
	}

	if *postgresDSNPtr != "" {
		dbBackend, err := searcher.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer dbBackend.Close()
		opts.Storage = dbBackend
	}

	heads := searcher.NewHeadTracker(logger, node, 100*time.Millisecond)
	headsWg := heads.Start(ctx)
	opts.Heads = heads

	orchestrator := searcher.NewOrchestrator(logger, opts)

	var filter watcher.Filter
	if strategy.CallData != nil {
		filter = watcher.CallData(strategy.CallData)
	} else {
		filter = watcher.Recipient(strategy.Target)
	}

	var queueCapacity int
	if _, err := fmt.Sscanf(*queueCapacityPtr, "%d", &queueCapacity); err != nil {
		logger.Fatal("Failed to parse queue capacity", zap.Error(err))
	}
	queuePolicy := watcher.QueuePolicy(*queuePolicyPtr)
	if queuePolicy != watcher.PolicyDrop && queuePolicy != watcher.PolicyBlock {
		logger.Fatal("Unknown queue policy", zap.String("policy", *queuePolicyPtr))
	}

	shutdown := watcher.NewShutdownSignal()
	handle, txs, err := watcher.Start(ctx, logger, node, filter, shutdown, watcher.Config{
		QueueCapacity:    queueCapacity,
		Policy:           queuePolicy,
		FullTransactions: *fullPendingPtr,
	})
	if err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	logger.Info("Watching pending transactions",
		zap.String("filter", filter.String()),
		zap.String("mode", string(mode)),
		zap.String("relay", strategy.Relay.URL))

	var adminAddress common.Address
	if common.IsHexAddress(*adminAddressPtr) {
		adminAddress = common.HexToAddress(*adminAddressPtr)
	} else {
		logger.Warn("No admin address configured, admin shutdown is disabled")
	}
	api := searcher.NewAPI(logger, adminAddress, shutdown, handle, orchestrator)
	jsonRPCServer, err := jsonrpcserver.NewHandler(api.Methods())
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		Handler:           jsonRPCServer,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		select {
		case <-notifier:
			logger.Info("Shutting down...")
			shutdown.Shutdown()
		case <-shutdown.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// the orchestrator drains the queue after the watcher closed it
		return orchestrator.Run(groupCtx, txs)
	})
	group.Go(func() error {
		err := handle.Wait()
		if err != nil {
			logger.Error("Watcher stopped", zap.Error(err))
		}
		return err
	})
	group.Go(func() error {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-shutdown.Finished():
		case <-groupCtx.Done():
		}
		return server.Shutdown(context.Background())
	})

	if err := group.Wait(); err != nil {
		logger.Error("Searcher stopped with error", zap.Error(err))
	}
	ctxCancel()
	headsWg.Wait()

	status := orchestrator.Status()
	logger.Info("Searcher stopped",
		zap.Uint64("processed", status.Processed),
		zap.Uint64("succeeded", status.Succeeded))
}
