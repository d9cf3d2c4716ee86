package oracle

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var errPairNotConfigured = errors.New("oracle: pair not configured")

type pairKey struct {
	base  common.Address
	quote common.Address
}

// StaticSource is a managed in-memory price source. The daemon seeds it from
// configuration and operators adjust it at runtime; tests use it to pin
// deterministic prices. Prices are value prices at Precision and the inverse
// pair is derived automatically when only one direction is set.
type StaticSource struct {
	mu     sync.RWMutex
	name   string
	prices map[pairKey]*big.Int
}

func NewStaticSource(name string) *StaticSource {
	return &StaticSource{name: name, prices: make(map[pairKey]*big.Int)}
}

func (s *StaticSource) Name() string { return s.name }

// SetPrice pins the value price for base/quote.
func (s *StaticSource) SetPrice(base, quote common.Address, price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if price == nil || price.Sign() <= 0 {
		delete(s.prices, pairKey{base, quote})
		return
	}
	s.prices[pairKey{base, quote}] = new(big.Int).Set(price)
}

func (s *StaticSource) GetPrice(base, quote common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if price, ok := s.prices[pairKey{base, quote}]; ok {
		return new(big.Int).Set(price), nil
	}
	if inverse, ok := s.prices[pairKey{quote, base}]; ok && inverse.Sign() > 0 {
		derived := new(big.Int).Mul(Precision, Precision)
		return derived.Quo(derived, inverse), nil
	}
	return nil, errPairNotConfigured
}
