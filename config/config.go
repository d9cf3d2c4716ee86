// Package config loads and validates the marginxd daemon configuration.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Token declares an asset the daemon tracks in its ledger.
type Token struct {
	Address  string `toml:"Address"`
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// Risk holds one token's margin parameters for one role, in basis points.
type Risk struct {
	Token        string `toml:"Token"`
	MaxUsage     uint64 `toml:"MaxUsage"`
	LiqThreshold uint64 `toml:"LiqThreshold"`
}

// Pool declares a liquidity pool over a quote token.
type Pool struct {
	QuoteToken      string   `toml:"QuoteToken"`
	Interest        uint64   `toml:"Interest"`
	MaxOpenInterest string   `toml:"MaxOpenInterest"`
	BaseTokens      []string `toml:"BaseTokens"`
}

// Price seeds the static oracle source with one pair quote.
type Price struct {
	Base  string `toml:"Base"`
	Quote string `toml:"Quote"`
	Value string `toml:"Value"`
}

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	LogLevel      string `toml:"LogLevel"`

	Manager           string `toml:"Manager"`
	KeeperIntervalSec uint64 `toml:"KeeperIntervalSeconds"`

	MinQuoteRate       uint64 `toml:"MinQuoteRate"`
	ManualExpiration   uint64 `toml:"ManualExpiration"`
	ProtocolFeeRate    uint64 `toml:"ProtocolFeeRate"`
	ProtocolFeeTo      string `toml:"ProtocolFeeTo"`
	LiquidationFeeRate uint64 `toml:"LiquidationFeeRate"`
	LiquidationFeeTo   string `toml:"LiquidationFeeTo"`
	DEXSpreadBps       uint64 `toml:"DEXSpreadBps"`

	Tokens          []Token `toml:"Tokens"`
	Pools           []Pool  `toml:"Pools"`
	BaseRisks       []Risk  `toml:"BaseRisks"`
	CollateralRisks []Risk  `toml:"CollateralRisks"`
	Prices          []Price `toml:"Prices"`
}

// Load reads the TOML file at path. A missing file yields defaults so the
// daemon can boot into an empty, configurable deployment.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:     "127.0.0.1:8561",
		DataDir:           "./marginx-data",
		LogLevel:          "info",
		KeeperIntervalSec: 15,
		MinQuoteRate:      10_000,
		ManualExpiration:  86_400,
	}
}

// Validate rejects configurations the wiring code could not act on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if c.KeeperIntervalSec == 0 {
		return fmt.Errorf("config: KeeperIntervalSeconds must be positive")
	}
	if c.MinQuoteRate != 0 && c.MinQuoteRate < 10_000 {
		return fmt.Errorf("config: MinQuoteRate below 10000")
	}
	if c.ProtocolFeeRate > 10_000 {
		return fmt.Errorf("config: ProtocolFeeRate above 10000")
	}
	if c.LiquidationFeeRate > 10_000 {
		return fmt.Errorf("config: LiquidationFeeRate above 10000")
	}

	tokens := make(map[string]bool, len(c.Tokens))
	for i, tok := range c.Tokens {
		if strings.TrimSpace(tok.Address) == "" {
			return fmt.Errorf("config: Tokens[%d] missing Address", i)
		}
		if tokens[strings.ToLower(tok.Address)] {
			return fmt.Errorf("config: duplicate token %s", tok.Address)
		}
		tokens[strings.ToLower(tok.Address)] = true
	}
	known := func(addr string) bool { return tokens[strings.ToLower(addr)] }

	for i, p := range c.Pools {
		if !known(p.QuoteToken) {
			return fmt.Errorf("config: Pools[%d] quote token %s not declared", i, p.QuoteToken)
		}
		if p.MaxOpenInterest != "" {
			if _, ok := new(big.Int).SetString(p.MaxOpenInterest, 10); !ok {
				return fmt.Errorf("config: Pools[%d] invalid MaxOpenInterest", i)
			}
		}
		for _, base := range p.BaseTokens {
			if !known(base) {
				return fmt.Errorf("config: Pools[%d] base token %s not declared", i, base)
			}
		}
	}
	for i, r := range append(append([]Risk{}, c.BaseRisks...), c.CollateralRisks...) {
		if !known(r.Token) {
			return fmt.Errorf("config: risk %d token %s not declared", i, r.Token)
		}
		if r.MaxUsage > 10_000 || r.LiqThreshold > 10_000 {
			return fmt.Errorf("config: risk for %s above 10000 bps", r.Token)
		}
	}
	for i, p := range c.Prices {
		if !known(p.Base) || !known(p.Quote) {
			return fmt.Errorf("config: Prices[%d] references undeclared token", i)
		}
		if _, ok := new(big.Int).SetString(p.Value, 10); !ok {
			return fmt.Errorf("config: Prices[%d] invalid Value", i)
		}
	}
	return nil
}

// MaxOpenInterestOf parses the pool's cap; zero when unset.
func (p Pool) MaxOpenInterestOf() *big.Int {
	if p.MaxOpenInterest == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(p.MaxOpenInterest, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// ValueOf parses the price integer.
func (p Price) ValueOf() *big.Int {
	v, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
