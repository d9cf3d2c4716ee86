package ledger

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownToken        = errors.New("ledger: token not registered")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Token describes an asset tracked by the ledger. Decimals drive both the pool
// precision and the oracle rescaling, so a token must be registered before any
// pool or price feed can reference it.
type Token struct {
	ID       common.Address
	Symbol   string
	Decimals uint8
}

// Ledger is the protocol-internal book of token balances. Amounts are wei-style
// big integers; every mutation either fully applies or leaves the book
// untouched.
type Ledger struct {
	mu       sync.RWMutex
	tokens   map[common.Address]Token
	balances map[common.Address]map[common.Address]*big.Int
}

func New() *Ledger {
	return &Ledger{
		tokens:   make(map[common.Address]Token),
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Register records token metadata. Re-registering replaces the previous entry.
func (l *Ledger) Register(token Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[token.ID] = token
}

// Token returns the metadata for a registered token.
func (l *Ledger) Token(id common.Address) (Token, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	token, ok := l.tokens[id]
	return token, ok
}

// Decimals reports the registered decimal count for a token.
func (l *Ledger) Decimals(id common.Address) (uint8, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	token, ok := l.tokens[id]
	if !ok {
		return 0, ErrUnknownToken
	}
	return token.Decimals, nil
}

// BalanceOf returns a copy of the holder's balance for the given token.
func (l *Ledger) BalanceOf(token, holder common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if holders, ok := l.balances[token]; ok {
		if bal, ok := holders[holder]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

// Mint credits freshly issued units to the holder. Used at genesis wiring and
// by tests; the trading engines themselves only ever move existing balances.
func (l *Ledger) Mint(token, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[token]; !ok {
		return ErrUnknownToken
	}
	l.credit(token, holder, amount)
	return nil
}

// Transfer moves amount of token from one holder to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[token]; !ok {
		return ErrUnknownToken
	}
	holders := l.balances[token]
	if holders == nil {
		return ErrInsufficientBalance
	}
	bal, ok := holders[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	holders[from] = new(big.Int).Sub(bal, amount)
	l.credit(token, to, amount)
	return nil
}

func (l *Ledger) credit(token, holder common.Address, amount *big.Int) {
	holders := l.balances[token]
	if holders == nil {
		holders = make(map[common.Address]*big.Int)
		l.balances[token] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = big.NewInt(0)
	}
	holders[holder] = new(big.Int).Add(bal, amount)
}
