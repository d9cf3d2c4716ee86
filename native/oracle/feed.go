package oracle

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrForbidden        = errors.New("oracle: forbidden")
	ErrNoPriceAvailable = errors.New("oracle: no price available")
)

// Precision is the protocol-wide fixed-point scale for prices: 30 decimal
// digits, independent of any token's native decimals.
var Precision = mustBigInt("1000000000000000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Source is a pluggable price integration. It reports the value of one unit of
// base denominated in quote at Precision, before token-decimal rescaling.
// Sources that cannot answer for a pair return an error and are skipped.
type Source interface {
	Name() string
	GetPrice(base, quote common.Address) (*big.Int, error)
}

// DecimalsResolver supplies token decimals for rescaling aggregated prices
// into amount terms.
type DecimalsResolver interface {
	Decimals(token common.Address) (uint8, error)
}

// PricePair carries the worst-case/best-case consensus across sources.
type PricePair struct {
	Lowest  *big.Int
	Highest *big.Int
}

// Feed aggregates a configurable list of price sources and reduces their
// answers to a lowest/highest pair. Collateral sizing uses the lowest price
// and exposure sizing the highest so every computation errs on the side of
// protocol solvency.
type Feed struct {
	mu       sync.RWMutex
	manager  common.Address
	sources  []Source
	decimals DecimalsResolver
}

func NewFeed(manager common.Address, decimals DecimalsResolver) *Feed {
	return &Feed{manager: manager, decimals: decimals}
}

// Manager returns the current feed manager.
func (f *Feed) Manager() common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.manager
}

// SetManager hands the manager role to next. Only the current manager may
// transfer it; afterwards the previous manager loses all rights.
func (f *Feed) SetManager(caller, next common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != f.manager {
		return ErrForbidden
	}
	f.manager = next
	return nil
}

// SetSources replaces the entire source list. Partial updates are not
// supported so a misconfigured feed can always be fixed with a single call.
func (f *Feed) SetSources(caller common.Address, sources []Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != f.manager {
		return ErrForbidden
	}
	f.sources = append([]Source(nil), sources...)
	return nil
}

// Sources returns the configured source list.
func (f *Feed) Sources() []Source {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Source(nil), f.sources...)
}

// GetPrice queries every configured source for base/quote and reduces the
// surviving answers to the minimum and maximum, rescaled into amount terms
// using the tokens' decimals. Identical base and quote short-circuit to the
// unit price.
func (f *Feed) GetPrice(base, quote common.Address) (PricePair, error) {
	if base == quote {
		return PricePair{
			Lowest:  new(big.Int).Set(Precision),
			Highest: new(big.Int).Set(Precision),
		}, nil
	}

	f.mu.RLock()
	sources := append([]Source(nil), f.sources...)
	resolver := f.decimals
	f.mu.RUnlock()

	var lowest, highest *big.Int
	for _, source := range sources {
		price, err := source.GetPrice(base, quote)
		if err != nil || price == nil || price.Sign() <= 0 {
			continue
		}
		if lowest == nil || price.Cmp(lowest) < 0 {
			lowest = new(big.Int).Set(price)
		}
		if highest == nil || price.Cmp(highest) > 0 {
			highest = new(big.Int).Set(price)
		}
	}
	if lowest == nil {
		return PricePair{}, ErrNoPriceAvailable
	}

	baseDec, err := resolver.Decimals(base)
	if err != nil {
		return PricePair{}, err
	}
	quoteDec, err := resolver.Decimals(quote)
	if err != nil {
		return PricePair{}, err
	}
	return PricePair{
		Lowest:  rescale(lowest, baseDec, quoteDec),
		Highest: rescale(highest, baseDec, quoteDec),
	}, nil
}

// GetLowestPrice returns the worst-case price for base/quote.
func (f *Feed) GetLowestPrice(base, quote common.Address) (*big.Int, error) {
	pair, err := f.GetPrice(base, quote)
	if err != nil {
		return nil, err
	}
	return pair.Lowest, nil
}

// GetHighestPrice returns the best-case price for base/quote.
func (f *Feed) GetHighestPrice(base, quote common.Address) (*big.Int, error) {
	pair, err := f.GetPrice(base, quote)
	if err != nil {
		return nil, err
	}
	return pair.Highest, nil
}

// rescale converts a value price into an amount price: one base unit priced in
// quote units, scaled by 10^quoteDecimals / 10^baseDecimals.
func rescale(price *big.Int, baseDecimals, quoteDecimals uint8) *big.Int {
	out := new(big.Int).Mul(price, pow10(quoteDecimals))
	return out.Quo(out, pow10(baseDecimals))
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
