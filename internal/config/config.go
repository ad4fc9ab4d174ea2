package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"liquidityManager/internal/model"
)

const (
	BackendSimulated = "simulated"
	BackendChain     = "chain"
)

// Mainnet Uniswap v3 deployment and the DAI/USDC pair.
const (
	DefaultPositionManager = "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"
	DefaultFactory         = "0x1F98431c8aD98523631AE4a59f267346ea31F984"
	DefaultToken0          = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
	DefaultToken1          = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Backend         string
	RPCURL          string
	PrivateKey      string
	Account         string
	PositionManager string
	Factory         string

	Token0         string
	Token1         string
	Token0Symbol   string
	Token1Symbol   string
	Token0Decimals uint8
	Token1Decimals uint8
	Fee            uint32

	TickHalfWidth     int32
	Deadline          time.Duration
	SlippageBps       uint32
	AllowZeroMinimums bool

	StateFile string
	PGDSN     string
	Journal   string
	Listen    string
	LogLevel  string

	SimTick     int32
	SimAccounts []string
	SimFund     string

	FromBlock    uint64
	ToBlock      uint64
	BatchSize    uint64
	Checkpoint   string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Load reads envFile when it exists, then merges config file, environment
// variables (MANAGER_ prefix) and flags into Config.
func Load(cfgFile, envFile string, flags *pflag.FlagSet) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend", BackendSimulated)
	v.SetDefault("position-manager", DefaultPositionManager)
	v.SetDefault("factory", DefaultFactory)
	v.SetDefault("token0", DefaultToken0)
	v.SetDefault("token1", DefaultToken1)
	v.SetDefault("token0-symbol", "DAI")
	v.SetDefault("token1-symbol", "USDC")
	v.SetDefault("token0-decimals", 18)
	v.SetDefault("token1-decimals", 6)
	v.SetDefault("fee", 100)
	v.SetDefault("tick-half-width", 600)
	v.SetDefault("deadline", 10*time.Minute)
	v.SetDefault("slippage-bps", 50)
	v.SetDefault("state-file", "./data/state.json")
	v.SetDefault("journal", "./data/events.jsonl")
	v.SetDefault("listen", ":8080")
	v.SetDefault("sim-tick", -276324)
	v.SetDefault("sim-fund", "1000000")
	v.SetDefault("log-level", "info")
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("checkpoint", "./data/audit_checkpoint.json")
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Backend:           strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		RPCURL:            v.GetString("rpc"),
		PrivateKey:        v.GetString("private-key"),
		Account:           v.GetString("account"),
		PositionManager:   v.GetString("position-manager"),
		Factory:           v.GetString("factory"),
		Token0:            v.GetString("token0"),
		Token1:            v.GetString("token1"),
		Token0Symbol:      v.GetString("token0-symbol"),
		Token1Symbol:      v.GetString("token1-symbol"),
		Token0Decimals:    uint8(v.GetUint("token0-decimals")),
		Token1Decimals:    uint8(v.GetUint("token1-decimals")),
		Fee:               v.GetUint32("fee"),
		TickHalfWidth:     v.GetInt32("tick-half-width"),
		Deadline:          v.GetDuration("deadline"),
		SlippageBps:       v.GetUint32("slippage-bps"),
		AllowZeroMinimums: v.GetBool("allow-zero-minimums"),
		StateFile:         v.GetString("state-file"),
		PGDSN:             v.GetString("pg-dsn"),
		Journal:           v.GetString("journal"),
		Listen:            v.GetString("listen"),
		LogLevel:          v.GetString("log-level"),
		SimTick:           v.GetInt32("sim-tick"),
		SimAccounts:       getStringSlice(v, "sim-accounts"),
		SimFund:           v.GetString("sim-fund"),
		FromBlock:         v.GetUint64("from"),
		ToBlock:           v.GetUint64("to"),
		BatchSize:         v.GetUint64("batch-size"),
		Checkpoint:        v.GetString("checkpoint"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that do not depend on the command being run.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSimulated, BackendChain:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendSimulated, BackendChain)
	}
	if c.Token0Decimals > 77 || c.Token1Decimals > 77 {
		return fmt.Errorf("token decimals must be at most 77")
	}
	if c.SlippageBps >= 10000 {
		return fmt.Errorf("slippage-bps must be below 10000")
	}
	if c.TickHalfWidth < 0 {
		return fmt.Errorf("tick-half-width must not be negative")
	}
	if c.Deadline < 0 {
		return fmt.Errorf("deadline must not be negative")
	}
	_, _, err := c.TokenPair()
	return err
}

// TokenPair returns the configured pair, token0 sorting below token1.
func (c Config) TokenPair() (model.TokenMeta, model.TokenMeta, error) {
	addr0, err := ParseAddress("token0", c.Token0)
	if err != nil {
		return model.TokenMeta{}, model.TokenMeta{}, err
	}
	addr1, err := ParseAddress("token1", c.Token1)
	if err != nil {
		return model.TokenMeta{}, model.TokenMeta{}, err
	}
	if bytes.Compare(addr0.Bytes(), addr1.Bytes()) >= 0 {
		return model.TokenMeta{}, model.TokenMeta{}, fmt.Errorf("token0 %s must sort below token1 %s", addr0.Hex(), addr1.Hex())
	}
	return model.TokenMeta{Address: addr0, Decimals: c.Token0Decimals, Symbol: c.Token0Symbol},
		model.TokenMeta{Address: addr1, Decimals: c.Token1Decimals, Symbol: c.Token1Symbol},
		nil
}

// ParseAddress validates a hex address named by key.
func ParseAddress(key, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, fmt.Errorf("%s is required", key)
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, value)
	}
	return common.HexToAddress(value), nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	return cleanStrings(strings.Split(input, ","))
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
