package oracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	weth  = common.HexToAddress("0x11")
	usdt  = common.HexToAddress("0x22")
	admin = common.HexToAddress("0xad")
	other = common.HexToAddress("0x99")
)

type mockResolver map[common.Address]uint8

func (m mockResolver) Decimals(token common.Address) (uint8, error) {
	dec, ok := m[token]
	if !ok {
		return 0, errors.New("unknown token")
	}
	return dec, nil
}

type failingSource struct{}

func (failingSource) Name() string { return "failing" }

func (failingSource) GetPrice(base, quote common.Address) (*big.Int, error) {
	return nil, errors.New("feed down")
}

func testResolver() mockResolver {
	return mockResolver{weth: 18, usdt: 6}
}

// price builds a value price of n units at Precision.
func price(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Precision)
}

func TestGetPriceSamePairReturnsUnit(t *testing.T) {
	feed := NewFeed(admin, testResolver())
	pair, err := feed.GetPrice(usdt, usdt)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if pair.Lowest.Cmp(Precision) != 0 || pair.Highest.Cmp(Precision) != 0 {
		t.Fatalf("unit pair must price at precision: got %s / %s", pair.Lowest, pair.Highest)
	}
}

func TestGetPriceReducesToMinMax(t *testing.T) {
	cheap := NewStaticSource("cheap")
	cheap.SetPrice(weth, usdt, price(2990))
	rich := NewStaticSource("rich")
	rich.SetPrice(weth, usdt, price(3010))

	feed := NewFeed(admin, testResolver())
	if err := feed.SetSources(admin, []Source{cheap, rich, failingSource{}}); err != nil {
		t.Fatalf("set sources: %v", err)
	}

	pair, err := feed.GetPrice(weth, usdt)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	// 18-decimal base against a 6-decimal quote scales by 10^6/10^18.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)
	wantLow := new(big.Int).Quo(price(2990), scale)
	wantHigh := new(big.Int).Quo(price(3010), scale)
	if pair.Lowest.Cmp(wantLow) != 0 {
		t.Fatalf("lowest: got %s want %s", pair.Lowest, wantLow)
	}
	if pair.Highest.Cmp(wantHigh) != 0 {
		t.Fatalf("highest: got %s want %s", pair.Highest, wantHigh)
	}

	low, err := feed.GetLowestPrice(weth, usdt)
	if err != nil {
		t.Fatalf("lowest price: %v", err)
	}
	if low.Cmp(wantLow) != 0 {
		t.Fatalf("GetLowestPrice mismatch: got %s want %s", low, wantLow)
	}
	high, err := feed.GetHighestPrice(weth, usdt)
	if err != nil {
		t.Fatalf("highest price: %v", err)
	}
	if high.Cmp(wantHigh) != 0 {
		t.Fatalf("GetHighestPrice mismatch: got %s want %s", high, wantHigh)
	}
}

func TestGetPriceSkipsFailingSources(t *testing.T) {
	healthy := NewStaticSource("healthy")
	healthy.SetPrice(weth, usdt, price(3000))

	feed := NewFeed(admin, testResolver())
	if err := feed.SetSources(admin, []Source{failingSource{}, healthy}); err != nil {
		t.Fatalf("set sources: %v", err)
	}
	pair, err := feed.GetPrice(weth, usdt)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if pair.Lowest.Cmp(pair.Highest) != 0 {
		t.Fatalf("single surviving source must yield equal bounds")
	}
}

func TestGetPriceNoSources(t *testing.T) {
	feed := NewFeed(admin, testResolver())
	if _, err := feed.GetPrice(weth, usdt); !errors.Is(err, ErrNoPriceAvailable) {
		t.Fatalf("expected ErrNoPriceAvailable, got %v", err)
	}

	if err := feed.SetSources(admin, []Source{failingSource{}}); err != nil {
		t.Fatalf("set sources: %v", err)
	}
	if _, err := feed.GetPrice(weth, usdt); !errors.Is(err, ErrNoPriceAvailable) {
		t.Fatalf("all-failing sources must yield ErrNoPriceAvailable, got %v", err)
	}
}

func TestSetSourcesForbidden(t *testing.T) {
	feed := NewFeed(admin, testResolver())
	if err := feed.SetSources(other, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSetManagerTransfersOnce(t *testing.T) {
	feed := NewFeed(admin, testResolver())
	if err := feed.SetManager(other, other); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := feed.SetManager(admin, other); err != nil {
		t.Fatalf("set manager: %v", err)
	}
	if got := feed.Manager(); got != other {
		t.Fatalf("manager not transferred: got %s", got.Hex())
	}
	if err := feed.SetManager(admin, admin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("old manager must lose rights, got %v", err)
	}
}

func TestStaticSourceDerivesInverse(t *testing.T) {
	src := NewStaticSource("static")
	src.SetPrice(weth, usdt, price(2500))
	inv, err := src.GetPrice(usdt, weth)
	if err != nil {
		t.Fatalf("inverse price: %v", err)
	}
	want := new(big.Int).Quo(new(big.Int).Mul(Precision, Precision), price(2500))
	if inv.Cmp(want) != 0 {
		t.Fatalf("inverse: got %s want %s", inv, want)
	}
}
