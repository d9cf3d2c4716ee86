package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marginx.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8561", cfg.ListenAddress)
	require.Equal(t, uint64(15), cfg.KeeperIntervalSec)
	require.Equal(t, uint64(10_000), cfg.MinQuoteRate)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = "0.0.0.0:9000"
DataDir = "/var/lib/marginx"
LogLevel = "debug"
Manager = "0x2001000000000000000000000000000000000000"
KeeperIntervalSeconds = 30
MinQuoteRate = 10200
ProtocolFeeRate = 2000
ProtocolFeeTo = "0x6001000000000000000000000000000000000000"

[[Tokens]]
Address = "0xAAA1000000000000000000000000000000000000"
Symbol = "USDC"
Decimals = 6

[[Tokens]]
Address = "0xBBB1000000000000000000000000000000000000"
Symbol = "WETH"
Decimals = 18

[[Pools]]
QuoteToken = "0xAAA1000000000000000000000000000000000000"
Interest = 1000
MaxOpenInterest = "5000000000000"
BaseTokens = ["0xBBB1000000000000000000000000000000000000"]

[[BaseRisks]]
Token = "0xBBB1000000000000000000000000000000000000"
MaxUsage = 9000
LiqThreshold = 8000

[[Prices]]
Base = "0xBBB1000000000000000000000000000000000000"
Quote = "0xAAA1000000000000000000000000000000000000"
Value = "2000000000000000000000000000000000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	require.Len(t, cfg.Tokens, 2)
	require.Len(t, cfg.Pools, 1)
	require.Equal(t, big.NewInt(5_000_000_000_000), cfg.Pools[0].MaxOpenInterestOf())
	want, _ := new(big.Int).SetString("2000000000000000000000000000000000", 10)
	require.Equal(t, want, cfg.Prices[0].ValueOf())
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "x"
Bogus = true
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}

func TestValidateCrossReferences(t *testing.T) {
	path := writeConfig(t, `
[[Pools]]
QuoteToken = "0xAAA1000000000000000000000000000000000000"
Interest = 1000
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "not declared")
}

func TestValidateRateBounds(t *testing.T) {
	path := writeConfig(t, `MinQuoteRate = 9000`)
	_, err := Load(path)
	require.ErrorContains(t, err, "MinQuoteRate")

	path = writeConfig(t, `ProtocolFeeRate = 10001`)
	_, err = Load(path)
	require.ErrorContains(t, err, "ProtocolFeeRate")
}
