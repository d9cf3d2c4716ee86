package dex

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"marginx/native/oracle"
)

// VenueLedger is the token-movement capability a feed venue needs.
type VenueLedger interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
}

// FeedVenue prices swaps off the oracle feed with a fixed spread and fills
// them from an inventory account. Outputs use the feed's low price and inputs
// its high price, so the venue never quotes better than the worst oracle
// source.
type FeedVenue struct {
	name      string
	feed      *oracle.Feed
	ledger    VenueLedger
	inventory common.Address
	spreadBps uint64
}

func NewFeedVenue(name string, feed *oracle.Feed, ledger VenueLedger, inventory common.Address, spreadBps uint64) *FeedVenue {
	return &FeedVenue{
		name:      name,
		feed:      feed,
		ledger:    ledger,
		inventory: inventory,
		spreadBps: spreadBps,
	}
}

func (v *FeedVenue) Name() string { return v.name }

const bpsDenominator = 10_000

func (v *FeedVenue) GetAmountOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	price, err := v.feed.GetLowestPrice(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(amountIn, price)
	out.Quo(out, oracle.Precision)
	spread := new(big.Int).Mul(out, big.NewInt(int64(v.spreadBps)))
	spread.Quo(spread, big.NewInt(bpsDenominator))
	return out.Sub(out, spread), nil
}

func (v *FeedVenue) GetAmountIn(tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	price, err := v.feed.GetLowestPrice(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 {
		return nil, ErrNoQuote
	}
	// Invert GetAmountOut: gross the output up by the spread, then round the
	// required input up so the produced output never falls short.
	gross := new(big.Int).Mul(amountOut, big.NewInt(bpsDenominator))
	rem := new(big.Int)
	gross.QuoRem(gross, big.NewInt(bpsDenominator-int64(v.spreadBps)), rem)
	if rem.Sign() > 0 {
		gross.Add(gross, big.NewInt(1))
	}
	in := new(big.Int).Mul(gross, oracle.Precision)
	in.QuoRem(in, price, rem)
	if rem.Sign() > 0 {
		in.Add(in, big.NewInt(1))
	}
	return in, nil
}

func (v *FeedVenue) Swap(tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, from, to common.Address) (*big.Int, error) {
	out, err := v.GetAmountOut(tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, ErrInsufficientOutput
	}
	if err := v.ledger.Transfer(tokenIn, from, v.inventory, amountIn); err != nil {
		return nil, err
	}
	if err := v.ledger.Transfer(tokenOut, v.inventory, to, out); err != nil {
		// Hand the input back rather than strand it with the inventory.
		_ = v.ledger.Transfer(tokenIn, v.inventory, from, amountIn)
		return nil, err
	}
	return out, nil
}
