// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the immutable runtime settings of the hunter.
type Config struct {
	PrivateKey string   `mapstructure:"private_key"`
	RPCList    []string `mapstructure:"rpc_list"`
	ChainID    int64    `mapstructure:"chain_id"`

	NativeToken      string `mapstructure:"native_token"`
	AggregatorURL    string `mapstructure:"aggregator_url"`
	AggregatorAPIKey string `mapstructure:"aggregator_api_key"`

	InitialInvestment string `mapstructure:"initial_investment"`
	SlippageBps       int    `mapstructure:"slippage_bps"`
	MaxPositions      int    `mapstructure:"max_positions"`
	WaitForLiquidity  bool   `mapstructure:"wait_for_liquidity"`

	PollIntervalMS   int `mapstructure:"poll_interval"`
	CheckIntervalMS  int `mapstructure:"check_interval"`
	QuoteValidityMS  int `mapstructure:"quote_validity"`
	QuoteCacheTTLMS  int `mapstructure:"quote_cache_ttl"`
	ConfirmTimeoutMS int `mapstructure:"confirm_timeout"`
	RateLimitWaitMS  int `mapstructure:"rate_limit_max_wait"`

	QuoteRequestsPerMinute  int `mapstructure:"quote_requests_per_minute"`
	QuoteRequestsPerHour    int `mapstructure:"quote_requests_per_hour"`
	ChainRequestsPerSecond  int `mapstructure:"chain_requests_per_second"`
	QuoteRetries            int `mapstructure:"quote_retries"`
	MaxSubmitAttempts       int `mapstructure:"max_submit_attempts"`
	GasBumpPercent          int `mapstructure:"gas_bump_percent"`
	NodeFailureThreshold    int `mapstructure:"node_failure_threshold"`
	MaxPoolExhaustedRetries int `mapstructure:"max_pool_exhausted_retries"`

	PositionsFile string `mapstructure:"positions_file"`
	LogFile       string `mapstructure:"log_file"`
	TradesFile    string `mapstructure:"trades_file"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
	DebugLogging  bool   `mapstructure:"debug_logging"`

	PollInterval   time.Duration   `mapstructure:"-"`
	CheckInterval  time.Duration   `mapstructure:"-"`
	QuoteValidity  time.Duration   `mapstructure:"-"`
	QuoteCacheTTL  time.Duration   `mapstructure:"-"`
	ConfirmTimeout time.Duration   `mapstructure:"-"`
	RateLimitWait  time.Duration   `mapstructure:"-"`
	Investment     decimal.Decimal `mapstructure:"-"`
}

const (
	DefaultChainID        = 56
	DefaultNativeToken    = "0x0000000000000000000000000000000000000000"
	DefaultAggregatorURL  = "https://li.quest/v1"
	DefaultInvestment     = "0.05"
	DefaultSlippageBps    = 1500
	DefaultPollInterval   = 30_000
	DefaultCheckInterval  = 60_000
	DefaultQuoteValidity  = 5_000
	DefaultQuoteCacheTTL  = 15_000
	DefaultConfirmTimeout = 300_000
	DefaultRateLimitWait  = 120_000
)

// EnvPrefix is the prefix for environment overrides (ALPHA_HUNTER_RPC_LIST, ...).
const EnvPrefix = "ALPHA_HUNTER"

// defaultRPCList mirrors the public BSC dataseeds checked by the connectivity tool.
var defaultRPCList = []string{
	"https://bsc-dataseed.binance.org",
	"https://bsc-dataseed1.defibit.io",
	"https://bsc-dataseed1.ninicoin.io",
	"https://bsc.publicnode.com",
	"https://bsc-rpc.publicnode.com",
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"private_key":                "",
		"aggregator_api_key":         "",
		"chain_id":                   DefaultChainID,
		"native_token":               DefaultNativeToken,
		"aggregator_url":             DefaultAggregatorURL,
		"initial_investment":         DefaultInvestment,
		"slippage_bps":               DefaultSlippageBps,
		"max_positions":              5,
		"wait_for_liquidity":         true,
		"poll_interval":              DefaultPollInterval,
		"check_interval":             DefaultCheckInterval,
		"quote_validity":             DefaultQuoteValidity,
		"quote_cache_ttl":            DefaultQuoteCacheTTL,
		"confirm_timeout":            DefaultConfirmTimeout,
		"rate_limit_max_wait":        DefaultRateLimitWait,
		"quote_requests_per_minute":  8,
		"quote_requests_per_hour":    80,
		"chain_requests_per_second":  20,
		"quote_retries":              5,
		"max_submit_attempts":        3,
		"gas_bump_percent":           20,
		"node_failure_threshold":     3,
		"max_pool_exhausted_retries": 30,
		"positions_file":             "positions.json",
		"log_file":                   "logs/alpha_hunter.log",
		"trades_file":                "logs/trades.csv",
		"debug_logging":              false,
	}
}

// Load reads configuration from path (optional), the .env file, ALPHA_HUNTER_* env
// variables and bound command-line flags, in increasing priority.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	// .env is optional, secrets usually live there
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetDefault("rpc_list", defaultRPCList)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}

	applyLegacyEnv(&cfg)

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacyEnv accepts the variable names used by the older launcher scripts.
func applyLegacyEnv(cfg *Config) {
	legacy := viper.New()
	legacy.AutomaticEnv()

	if cfg.PrivateKey == "" {
		cfg.PrivateKey = legacy.GetString("BSC_PRIVATE_KEY")
	}
	if cfg.AggregatorAPIKey == "" {
		cfg.AggregatorAPIKey = legacy.GetString("LIFI_API_KEY")
	}
	if rpcURL := strings.TrimSpace(legacy.GetString("BSC_RPC_URL")); rpcURL != "" {
		cfg.RPCList = prependUnique(cfg.RPCList, rpcURL)
	}
	cfg.RPCList = cleanList(cfg.RPCList)
}

func prependUnique(list []string, item string) []string {
	out := []string{item}
	for _, existing := range list {
		if existing != item {
			out = append(out, existing)
		}
	}
	return out
}

func cleanList(list []string) []string {
	var out []string
	for _, part := range list {
		if clean := strings.TrimSpace(part); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

func (c *Config) finalize() error {
	c.PollInterval = time.Duration(c.PollIntervalMS) * time.Millisecond
	c.CheckInterval = time.Duration(c.CheckIntervalMS) * time.Millisecond
	c.QuoteValidity = time.Duration(c.QuoteValidityMS) * time.Millisecond
	c.QuoteCacheTTL = time.Duration(c.QuoteCacheTTLMS) * time.Millisecond
	c.ConfirmTimeout = time.Duration(c.ConfirmTimeoutMS) * time.Millisecond
	c.RateLimitWait = time.Duration(c.RateLimitWaitMS) * time.Millisecond

	c.PrivateKey = strings.TrimPrefix(strings.TrimSpace(c.PrivateKey), "0x")

	investment, err := decimal.NewFromString(strings.TrimSpace(c.InitialInvestment))
	if err != nil {
		return fmt.Errorf("invalid initial_investment %q: %w", c.InitialInvestment, err)
	}
	c.Investment = investment

	return c.validate()
}

func (c *Config) validate() error {
	if c.PrivateKey == "" {
		return errors.New("private_key is required (set BSC_PRIVATE_KEY in .env)")
	}
	if len(c.PrivateKey) != 64 {
		return errors.New("private_key must be 32 bytes hex")
	}
	if len(c.RPCList) == 0 {
		return errors.New("rpc_list is empty")
	}
	for _, rpcURL := range c.RPCList {
		if err := validateURLWithCache(rpcURL, "http"); err != nil {
			return fmt.Errorf("invalid RPC URL %q: %w", rpcURL, err)
		}
	}
	if err := validateURLWithCache(c.AggregatorURL, "http"); err != nil {
		return fmt.Errorf("invalid aggregator_url: %w", err)
	}
	if !common.IsHexAddress(c.NativeToken) {
		return errors.New("native_token must be a hex address")
	}
	if c.ChainID <= 0 {
		return errors.New("invalid chain_id")
	}
	if !c.Investment.IsPositive() {
		return errors.New("initial_investment must be positive")
	}
	return validateNumericParams(c)
}

func validateNumericParams(c *Config) error {
	if c.SlippageBps <= 0 || c.SlippageBps >= 10_000 {
		return errors.New("slippage_bps must be in (0, 10000)")
	}
	if c.PollInterval <= 0 {
		return errors.New("invalid poll_interval")
	}
	if c.CheckInterval <= 0 {
		return errors.New("invalid check_interval")
	}
	if c.QuoteValidity <= 0 {
		return errors.New("invalid quote_validity")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("invalid confirm_timeout")
	}
	if c.QuoteRequestsPerMinute < 0 || c.QuoteRequestsPerHour < 0 || c.ChainRequestsPerSecond < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.QuoteRetries <= 0 {
		c.QuoteRetries = 1
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = 1
	}
	if c.NodeFailureThreshold <= 0 {
		c.NodeFailureThreshold = 3
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 1
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

// MaskRPC hides query strings (API keys) of RPC URLs for logging.
func MaskRPC(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.RawQuery == "" {
		return rpcURL
	}
	parsed.RawQuery = "***"
	return parsed.String()
}

// MaskedRPCList returns the RPC list with API keys masked.
func (c *Config) MaskedRPCList() []string {
	masked := make([]string, len(c.RPCList))
	for i, rpcURL := range c.RPCList {
		masked[i] = MaskRPC(rpcURL)
	}
	return masked
}

// Flags returns the flag set understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("alpha-hunter", pflag.ContinueOnError)
	fs.String("config", "", "path to config file (json/yaml)")
	fs.String("token", "", "token contract address to hunt")
	fs.String("symbol", "", "token symbol used in logs and positions file")
	fs.Bool("monitor-only", false, "only monitor persisted positions")
	fs.StringSlice("close", nil, "close persisted positions by id without selling, then exit")
	fs.String("initial_investment", DefaultInvestment, "native amount to spend on the buy")
	fs.Int("slippage_bps", DefaultSlippageBps, "max slippage in basis points")
	fs.Int("poll_interval", DefaultPollInterval, "liquidity poll interval, ms")
	fs.Bool("wait_for_liquidity", true, "keep polling until a route appears")
	fs.Bool("debug_logging", false, "enable debug logs")
	return fs
}
