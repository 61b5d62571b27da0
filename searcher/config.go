package searcher

import (
	"errors"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidStrategy = errors.New("invalid strategy config")
	ErrInvalidRelayAPI = errors.New("invalid relay api, expected mev or eth")
)

const (
	defaultFrontGasLimit = 400_000
	defaultBackGasLimit  = 400_000
)

var (
	defaultGasTipCap = big.NewInt(2_000_000_000)
	defaultGasFeeCap = big.NewInt(100_000_000_000)
)

type RelayAPI string

const (
	RelayAPIMev RelayAPI = "mev"
	RelayAPIEth RelayAPI = "eth"
)

// StrategyConfig is the yaml strategy file
//
//	executor: "0x..."
//	target: "0x..."
//	relay:
//	  url: https://relay.flashbots.net
//	  api: mev
//	gas:
//	  frontLimit: 400000
//	  backLimit: 400000
//	  tipCap: "2000000000"
//	  feeCap: "100000000000"
type StrategyConfig struct {
	Executor common.Address
	Target   common.Address
	// CallData, when set, filters by exact calldata instead of recipient
	CallData []byte

	Relay RelayConfig
	Gas   GasConfig

	SimulationGasCap uint64
}

type RelayConfig struct {
	URL string
	API RelayAPI
}

type GasConfig struct {
	FrontLimit uint64
	BackLimit  uint64
	TipCap     *big.Int
	FeeCap     *big.Int
}

type strategyFile struct {
	Executor string `yaml:"executor"`
	Target   string `yaml:"target"`
	CallData string `yaml:"calldata"`
	Relay    struct {
		URL string `yaml:"url"`
		API string `yaml:"api"`
	} `yaml:"relay"`
	Gas struct {
		FrontLimit uint64 `yaml:"frontLimit"`
		BackLimit  uint64 `yaml:"backLimit"`
		TipCap     string `yaml:"tipCap"`
		FeeCap     string `yaml:"feeCap"`
	} `yaml:"gas"`
	SimulationGasCap uint64 `yaml:"simulationGasCap"`
}

// LoadStrategyConfig parses a strategy config from a file
func LoadStrategyConfig(file string) (*StrategyConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseStrategyConfig(data)
}

func ParseStrategyConfig(data []byte) (*StrategyConfig, error) {
	var raw strategyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if !common.IsHexAddress(raw.Executor) {
		return nil, ErrInvalidStrategy
	}
	cfg := &StrategyConfig{
		Executor:         common.HexToAddress(raw.Executor),
		SimulationGasCap: raw.SimulationGasCap,
	}

	switch {
	case raw.CallData != "":
		callData, err := hexutil.Decode(raw.CallData)
		if err != nil {
			return nil, ErrInvalidStrategy
		}
		cfg.CallData = callData
	case common.IsHexAddress(raw.Target):
		cfg.Target = common.HexToAddress(raw.Target)
	default:
		return nil, ErrInvalidStrategy
	}

	cfg.Relay.URL = raw.Relay.URL
	switch RelayAPI(raw.Relay.API) {
	case RelayAPIMev, "":
		cfg.Relay.API = RelayAPIMev
	case RelayAPIEth:
		cfg.Relay.API = RelayAPIEth
	default:
		return nil, ErrInvalidRelayAPI
	}

	cfg.Gas = GasConfig{
		FrontLimit: raw.Gas.FrontLimit,
		BackLimit:  raw.Gas.BackLimit,
		TipCap:     new(big.Int).Set(defaultGasTipCap),
		FeeCap:     new(big.Int).Set(defaultGasFeeCap),
	}
	if cfg.Gas.FrontLimit == 0 {
		cfg.Gas.FrontLimit = defaultFrontGasLimit
	}
	if cfg.Gas.BackLimit == 0 {
		cfg.Gas.BackLimit = defaultBackGasLimit
	}
	if raw.Gas.TipCap != "" {
		if _, ok := cfg.Gas.TipCap.SetString(raw.Gas.TipCap, 10); !ok {
			return nil, ErrInvalidStrategy
		}
	}
	if raw.Gas.FeeCap != "" {
		if _, ok := cfg.Gas.FeeCap.SetString(raw.Gas.FeeCap, 10); !ok {
			return nil, ErrInvalidStrategy
		}
	}
	if cfg.Gas.FeeCap.Cmp(cfg.Gas.TipCap) < 0 {
		return nil, ErrInvalidStrategy
	}
	return cfg, nil
}
