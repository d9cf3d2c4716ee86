// Package dex routes swaps through the best of a set of registered venues.
// The position engine settles closed positions here: base and collateral legs
// are sold for the pool's quote token at the best available quote.
package dex

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrForbidden          = errors.New("dex: forbidden")
	ErrDEXExistsAlready   = errors.New("dex: venue exists already")
	ErrUnknownDEX         = errors.New("dex: venue not registered")
	ErrNoQuote            = errors.New("dex: no venue quoted the pair")
	ErrInsufficientOutput = errors.New("dex: insufficient output amount")
	ErrInvalidAmount      = errors.New("dex: amount must be positive")
)

// Venue is a single swap backend.
type Venue interface {
	Name() string
	GetAmountOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
	GetAmountIn(tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error)
	Swap(tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, from, to common.Address) (*big.Int, error)
}

// Aggregator fans quote requests out to every venue and executes against the
// best one.
type Aggregator struct {
	mu sync.Mutex

	manager common.Address
	venues  []Venue
	index   map[string]uint64 // venue name -> 1-based position in venues
}

func NewAggregator(manager common.Address) *Aggregator {
	return &Aggregator{
		manager: manager,
		index:   make(map[string]uint64),
	}
}

func (a *Aggregator) Manager() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager
}

// SetManager hands the aggregator to a new manager. Manager only.
func (a *Aggregator) SetManager(caller, next common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.manager {
		return ErrForbidden
	}
	a.manager = next
	return nil
}

// AddDEX registers a venue. Manager only.
func (a *Aggregator) AddDEX(caller common.Address, v Venue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.manager {
		return ErrForbidden
	}
	if _, ok := a.index[v.Name()]; ok {
		return ErrDEXExistsAlready
	}
	a.venues = append(a.venues, v)
	a.index[v.Name()] = uint64(len(a.venues))
	return nil
}

// RemoveDEX drops a venue, moving the last venue into its slot so the list
// stays dense. Manager only.
func (a *Aggregator) RemoveDEX(caller common.Address, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.manager {
		return ErrForbidden
	}
	idx, ok := a.index[name]
	if !ok {
		return ErrUnknownDEX
	}
	pos := int(idx - 1)
	last := len(a.venues) - 1
	if pos != last {
		a.venues[pos] = a.venues[last]
		a.index[a.venues[pos].Name()] = idx
	}
	a.venues = a.venues[:last]
	delete(a.index, name)
	return nil
}

// DEXIndex returns the 1-based slot of a venue, zero when unknown.
func (a *Aggregator) DEXIndex(name string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index[name]
}

// Venues returns the registered venue names in slot order.
func (a *Aggregator) Venues() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, len(a.venues))
	for i, v := range a.venues {
		names[i] = v.Name()
	}
	return names
}

// GetAmountOut returns the best obtainable output across venues.
func (a *Aggregator) GetAmountOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	best, _, err := a.bestOut(tokenIn, tokenOut, amountIn)
	return best, err
}

func (a *Aggregator) bestOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, Venue, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	a.mu.Lock()
	venues := make([]Venue, len(a.venues))
	copy(venues, a.venues)
	a.mu.Unlock()

	var best *big.Int
	var bestVenue Venue
	for _, v := range venues {
		out, err := v.GetAmountOut(tokenIn, tokenOut, amountIn)
		if err != nil || out == nil || out.Sign() <= 0 {
			continue
		}
		if best == nil || out.Cmp(best) > 0 {
			best = out
			bestVenue = v
		}
	}
	if best == nil {
		return nil, nil, ErrNoQuote
	}
	return best, bestVenue, nil
}

// GetAmountIn returns the smallest input any venue needs to produce amountOut.
func (a *Aggregator) GetAmountIn(tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	a.mu.Lock()
	venues := make([]Venue, len(a.venues))
	copy(venues, a.venues)
	a.mu.Unlock()

	var best *big.Int
	for _, v := range venues {
		in, err := v.GetAmountIn(tokenIn, tokenOut, amountOut)
		if err != nil || in == nil || in.Sign() <= 0 {
			continue
		}
		if best == nil || in.Cmp(best) < 0 {
			best = in
		}
	}
	if best == nil {
		return nil, ErrNoQuote
	}
	return best, nil
}

// Swap executes against the venue in the 1-based dexID slot, or against the
// venue with the best quote when dexID is zero. The realized output is checked
// against minOut even after venue-side execution.
func (a *Aggregator) Swap(dexID uint64, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, from, to common.Address) (*big.Int, error) {
	var venue Venue
	var err error
	if dexID == 0 {
		_, venue, err = a.bestOut(tokenIn, tokenOut, amountIn)
		if err != nil {
			return nil, err
		}
	} else {
		if amountIn == nil || amountIn.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		a.mu.Lock()
		if dexID > uint64(len(a.venues)) {
			a.mu.Unlock()
			return nil, ErrUnknownDEX
		}
		venue = a.venues[dexID-1]
		a.mu.Unlock()
	}
	out, err := venue.Swap(tokenIn, tokenOut, amountIn, minOut, from, to)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, ErrInsufficientOutput
	}
	return out, nil
}
