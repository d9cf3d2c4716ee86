// Package params hosts the protocol registry: pool creation, operator
// management and every tunable risk parameter. Pools and the withdrawal
// monitor accept parameter changes only from the registry's address, so all
// governance flows through here.
package params

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"marginx/native/monitor"
	"marginx/native/pool"
)

var (
	ErrForbidden         = errors.New("params: forbidden")
	ErrBadLengths        = errors.New("params: mismatched input lengths")
	ErrTooHighValue      = errors.New("params: value too high")
	ErrTooLowValue       = errors.New("params: value too low")
	ErrZeroAddress       = errors.New("params: zero address")
	ErrPoolExistsAlready = errors.New("params: pool exists already")
	ErrPoolNotExists     = errors.New("params: pool not exists")
)

const (
	// bpsDenominator scales every rate parameter.
	bpsDenominator = 10_000

	defaultMinQuoteRate     = 10_000
	defaultManualExpiration = 86_400
)

// TokenRisk bundles the per-token margin parameters, in basis points.
// MaxUsage bounds how much of a token's value counts as margin;
// LiqThreshold is the level at which the token leg becomes liquidatable.
type TokenRisk struct {
	MaxUsage     uint64
	LiqThreshold uint64
}

// Registry creates pools and fans governance out to them.
type Registry struct {
	mu sync.Mutex

	addr     common.Address
	manager  common.Address
	operator map[common.Address]bool

	ledger  pool.Ledger
	monitor *monitor.Monitor
	engine  common.Address

	pools     map[common.Address]*pool.Pool // by quote token
	poolIndex map[common.Address]uint64     // pool address -> 1-based index
	poolList  []*pool.Pool

	// A token carries independent margin parameters per role: trading it as
	// the position's base leg versus pledging it as collateral.
	baseRisk       map[common.Address]TokenRisk
	collateralRisk map[common.Address]TokenRisk

	minQuoteRate       uint64
	manualExpiration   uint64
	protocolFeeRate    uint64
	protocolFeeTo      common.Address
	liquidationFeeRate uint64
	liquidationFeeTo   common.Address
	rollbackFee        *big.Int

	serviceToken           common.Address
	serviceFeeTo           common.Address
	updateStoplossPriceFee *big.Int
	updateCollateralFee    *big.Int
	updateDeadlineFee      *big.Int
}

// New constructs a registry under manager control. mon may be nil when the
// deployment runs without a withdrawal monitor.
func New(addr, manager common.Address, ledger pool.Ledger, mon *monitor.Monitor) *Registry {
	return &Registry{
		addr:             addr,
		manager:          manager,
		operator:         make(map[common.Address]bool),
		ledger:           ledger,
		monitor:          mon,
		pools:            make(map[common.Address]*pool.Pool),
		poolIndex:        make(map[common.Address]uint64),
		baseRisk:         make(map[common.Address]TokenRisk),
		collateralRisk:   make(map[common.Address]TokenRisk),
		minQuoteRate:     defaultMinQuoteRate,
		manualExpiration: defaultManualExpiration,
		rollbackFee:      big.NewInt(0),
	}
}

func (r *Registry) Addr() common.Address { return r.addr }

func (r *Registry) Manager() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manager
}

func (r *Registry) IsOperator(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operator[addr]
}

func (r *Registry) authorized(caller common.Address) bool {
	return caller == r.manager || r.operator[caller]
}

// SetManager hands the registry to a new manager. Manager only.
func (r *Registry) SetManager(caller, next common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.manager {
		return ErrForbidden
	}
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	r.manager = next
	return nil
}

// SetOperators grants or revokes operator rights. Manager only.
func (r *Registry) SetOperators(caller common.Address, operators []common.Address, allowed []bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.manager {
		return ErrForbidden
	}
	if len(operators) != len(allowed) {
		return ErrBadLengths
	}
	for i, op := range operators {
		if op == (common.Address{}) {
			return ErrZeroAddress
		}
		r.operator[op] = allowed[i]
	}
	return nil
}

// SetPositionEngine records the position engine identity and pushes it to
// every existing pool. Manager only.
func (r *Registry) SetPositionEngine(caller, engine common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.manager {
		return ErrForbidden
	}
	if engine == (common.Address{}) {
		return ErrZeroAddress
	}
	r.engine = engine
	for _, p := range r.poolList {
		if err := p.SetPositionEngine(r.addr, engine); err != nil {
			return err
		}
	}
	return nil
}

// PoolAddress derives the deterministic pool address for a quote token.
func (r *Registry) PoolAddress(quoteToken common.Address) common.Address {
	h := crypto.Keccak256(r.addr.Bytes(), quoteToken.Bytes())
	return common.BytesToAddress(h[12:])
}

// CreatePool deploys a pool for quoteToken, registers it with the withdrawal
// monitor and wires its governance to this registry. Manager or operator.
func (r *Registry) CreatePool(caller, quoteToken common.Address, decimals uint8, interest uint64) (*pool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return nil, ErrForbidden
	}
	if quoteToken == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if _, ok := r.pools[quoteToken]; ok {
		return nil, ErrPoolExistsAlready
	}

	addr := r.PoolAddress(quoteToken)
	p := pool.New(addr, r.addr, quoteToken, decimals, interest, r.ledger)
	if r.monitor != nil {
		if err := r.monitor.RegisterPool(r.addr, p); err != nil {
			return nil, err
		}
		if err := p.SetQueue(r.addr, r.monitor, r.monitor.Addr()); err != nil {
			return nil, err
		}
	}
	if r.engine != (common.Address{}) {
		if err := p.SetPositionEngine(r.addr, r.engine); err != nil {
			return nil, err
		}
	}
	r.pools[quoteToken] = p
	r.poolList = append(r.poolList, p)
	r.poolIndex[addr] = uint64(len(r.poolList))
	return p, nil
}

// PoolByQuoteToken resolves the pool minted for quoteToken.
func (r *Registry) PoolByQuoteToken(quoteToken common.Address) (*pool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[quoteToken]
	if !ok {
		return nil, ErrPoolNotExists
	}
	return p, nil
}

// PoolIndex returns the 1-based registration index of a pool address, zero
// when unknown.
func (r *Registry) PoolIndex(addr common.Address) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poolIndex[addr]
}

// Pools returns every pool in registration order.
func (r *Registry) Pools() []*pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pool.Pool, len(r.poolList))
	copy(out, r.poolList)
	return out
}

// SetPoolInterest forwards a borrow-rate change to the pool. Manager or
// operator.
func (r *Registry) SetPoolInterest(caller, quoteToken common.Address, interest uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	p, ok := r.pools[quoteToken]
	if !ok {
		return ErrPoolNotExists
	}
	return p.SetInterest(r.addr, interest)
}

// SetPoolMaxOpenInterest forwards a borrow cap change to the pool. Manager or
// operator.
func (r *Registry) SetPoolMaxOpenInterest(caller, quoteToken common.Address, cap *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	p, ok := r.pools[quoteToken]
	if !ok {
		return ErrPoolNotExists
	}
	return p.SetMaxOpenInterest(r.addr, cap)
}

// SetPoolBaseTokens forwards tradeability flags to the pool. Manager or
// operator.
func (r *Registry) SetPoolBaseTokens(caller, quoteToken common.Address, tokens []common.Address, allowed []bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	p, ok := r.pools[quoteToken]
	if !ok {
		return ErrPoolNotExists
	}
	return p.SetBaseTokens(r.addr, tokens, allowed)
}

// SetBaseTokenRisk updates base-leg margin parameters for a batch of tokens.
// Both rates are capped at 100%. Manager or operator.
func (r *Registry) SetBaseTokenRisk(caller common.Address, tokens []common.Address, risks []TokenRisk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setRiskLocked(caller, r.baseRisk, tokens, risks)
}

// SetCollateralRisk updates collateral margin parameters for a batch of
// tokens. Both rates are capped at 100%. Manager or operator.
func (r *Registry) SetCollateralRisk(caller common.Address, tokens []common.Address, risks []TokenRisk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setRiskLocked(caller, r.collateralRisk, tokens, risks)
}

func (r *Registry) setRiskLocked(caller common.Address, dst map[common.Address]TokenRisk, tokens []common.Address, risks []TokenRisk) error {
	if !r.authorized(caller) {
		return ErrForbidden
	}
	if len(tokens) != len(risks) {
		return ErrBadLengths
	}
	for i, token := range tokens {
		if token == (common.Address{}) {
			return ErrZeroAddress
		}
		if risks[i].MaxUsage > bpsDenominator || risks[i].LiqThreshold > bpsDenominator {
			return ErrTooHighValue
		}
	}
	for i, token := range tokens {
		dst[token] = risks[i]
	}
	return nil
}

// BaseTokenRiskOf looks a token's base-leg margin parameters up. ok is false
// when the token was never configured; such tokens cannot open positions.
func (r *Registry) BaseTokenRiskOf(token common.Address) (TokenRisk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	risk, ok := r.baseRisk[token]
	return risk, ok
}

// CollateralRiskOf looks a token's collateral margin parameters up. ok is
// false when the token cannot serve as collateral.
func (r *Registry) CollateralRiskOf(token common.Address) (TokenRisk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	risk, ok := r.collateralRisk[token]
	return risk, ok
}

// SetMinQuoteRate sets the opening over-collateralization floor. Values below
// 100% would let positions open under water. Manager or operator.
func (r *Registry) SetMinQuoteRate(caller common.Address, rate uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	if rate < defaultMinQuoteRate {
		return ErrTooLowValue
	}
	r.minQuoteRate = rate
	return nil
}

func (r *Registry) MinQuoteRate() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minQuoteRate
}

// SetManualExpiration sets the cooldown between announcing and finishing a
// manual close, floored at one day. Manager or operator.
func (r *Registry) SetManualExpiration(caller common.Address, seconds uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	if seconds < defaultManualExpiration {
		return ErrTooLowValue
	}
	r.manualExpiration = seconds
	return nil
}

func (r *Registry) ManualExpiration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manualExpiration
}

// SetProtocolFee routes a share of position fees to the protocol. Rate capped
// at 100%. Manager or operator.
func (r *Registry) SetProtocolFee(caller common.Address, rate uint64, to common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	if rate > bpsDenominator {
		return ErrTooHighValue
	}
	if rate > 0 && to == (common.Address{}) {
		return ErrZeroAddress
	}
	r.protocolFeeRate = rate
	r.protocolFeeTo = to
	return nil
}

func (r *Registry) ProtocolFee() (uint64, common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protocolFeeRate, r.protocolFeeTo
}

// SetLiquidationFee configures the liquidator reward rate and the sink for
// rollback fees. Rate capped at 100%. Manager or operator.
func (r *Registry) SetLiquidationFee(caller common.Address, rate uint64, to common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	if rate > bpsDenominator {
		return ErrTooHighValue
	}
	r.liquidationFeeRate = rate
	r.liquidationFeeTo = to
	return nil
}

func (r *Registry) LiquidationFee() (uint64, common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liquidationFeeRate, r.liquidationFeeTo
}

// SetRollbackFee sets the flat fee charged when a position is rolled back.
// Manager or operator.
func (r *Registry) SetRollbackFee(caller common.Address, fee *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	if fee == nil || fee.Sign() < 0 {
		return ErrTooLowValue
	}
	r.rollbackFee = new(big.Int).Set(fee)
	return nil
}

func (r *Registry) RollbackFee() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.rollbackFee)
}

// SetServiceFee configures the token and sink for position update fees.
// Manager or operator.
func (r *Registry) SetServiceFee(caller, token, to common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	if token == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	r.serviceToken = token
	r.serviceFeeTo = to
	return nil
}

func (r *Registry) ServiceFee() (common.Address, common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serviceToken, r.serviceFeeTo
}

// SetUpdateFees prices the three position update operations, charged in the
// service token. Manager or operator.
func (r *Registry) SetUpdateFees(caller common.Address, stoplossPrice, collateral, deadline *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized(caller) {
		return ErrForbidden
	}
	for _, fee := range []*big.Int{stoplossPrice, collateral, deadline} {
		if fee == nil || fee.Sign() < 0 {
			return ErrTooLowValue
		}
	}
	r.updateStoplossPriceFee = new(big.Int).Set(stoplossPrice)
	r.updateCollateralFee = new(big.Int).Set(collateral)
	r.updateDeadlineFee = new(big.Int).Set(deadline)
	return nil
}

// UpdateFees returns the stoploss-price, collateral and deadline update fees.
func (r *Registry) UpdateFees() (*big.Int, *big.Int, *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	zeroIfNil := func(v *big.Int) *big.Int {
		if v == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(v)
	}
	return zeroIfNil(r.updateStoplossPriceFee), zeroIfNil(r.updateCollateralFee), zeroIfNil(r.updateDeadlineFee)
}
