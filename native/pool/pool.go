package pool

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrForbidden             = errors.New("pool: forbidden")
	ErrBadLengths            = errors.New("pool: mismatched input lengths")
	ErrInvalidAmount         = errors.New("pool: amount must be positive")
	ErrInsufficientInput     = errors.New("pool: insufficient input amount")
	ErrInsufficientOutput    = errors.New("pool: insufficient output amount")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrExceedMaxOpenInterest = errors.New("pool: exceed max open interest")
	ErrNotWired              = errors.New("pool: queue or ledger not wired")
)

// feeScale is the fixed-point scale of accFeePerShare.
var feeScale = mustBigInt("1000000000000000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Ledger is the token-movement capability the pool needs. The production
// implementation is core/ledger; tests substitute lossy ledgers to exercise
// the received-amount defence.
type Ledger interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
}

// WithdrawalQueue receives burn requests that must drain through the
// withdrawal monitor. The pool never serves withdrawals directly.
type WithdrawalQueue interface {
	AddRequest(caller, owner, quoteToken common.Address, liquidity *big.Int, to common.Address, data []byte) error
}

// LiquidityPosition is the per-provider share record.
type LiquidityPosition struct {
	Liquidity            *big.Int
	WithdrawingLiquidity *big.Int
	PendingFee           *big.Int
	FeeDebt              *big.Int
}

func newLiquidityPosition() *LiquidityPosition {
	return &LiquidityPosition{
		Liquidity:            big.NewInt(0),
		WithdrawingLiquidity: big.NewInt(0),
		PendingFee:           big.NewInt(0),
		FeeDebt:              big.NewInt(0),
	}
}

func (p *LiquidityPosition) clone() LiquidityPosition {
	return LiquidityPosition{
		Liquidity:            new(big.Int).Set(p.Liquidity),
		WithdrawingLiquidity: new(big.Int).Set(p.WithdrawingLiquidity),
		PendingFee:           new(big.Int).Set(p.PendingFee),
		FeeDebt:              new(big.Int).Set(p.FeeDebt),
	}
}

// Pool holds share-based liquidity for a single quote token and lends it to
// the position engine against margin positions. quoteReserve tracks the
// liquidity-backed principal; the portion currently lent out is openInterest.
// Borrowable reserve is quoteReserve − openInterest − queued withdrawals.
type Pool struct {
	mu sync.Mutex

	addr       common.Address
	factory    common.Address
	quoteToken common.Address
	precision  *big.Int

	interest        uint64
	maxOpenInterest *big.Int
	tradeable       map[common.Address]bool

	quoteReserve      *big.Int
	totalLiquidity    *big.Int
	openInterest      *big.Int
	pendingWithdrawal *big.Int
	accFeePerShare    *big.Int

	positions map[common.Address]*LiquidityPosition

	ledger      Ledger
	queue       WithdrawalQueue
	monitorAddr common.Address
	engineAddr  common.Address
}

// New constructs a pool for the given quote token. addr is the pool's module
// address within the protocol ledger and factory the registry identity whose
// calls may mutate risk parameters.
func New(addr, factory, quoteToken common.Address, decimals uint8, interest uint64, ledger Ledger) *Pool {
	precision := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return &Pool{
		addr:              addr,
		factory:           factory,
		quoteToken:        quoteToken,
		precision:         precision,
		interest:          interest,
		maxOpenInterest:   big.NewInt(0),
		tradeable:         make(map[common.Address]bool),
		quoteReserve:      big.NewInt(0),
		totalLiquidity:    big.NewInt(0),
		openInterest:      big.NewInt(0),
		pendingWithdrawal: big.NewInt(0),
		accFeePerShare:    big.NewInt(0),
		positions:         make(map[common.Address]*LiquidityPosition),
		ledger:            ledger,
	}
}

// SetQueue wires the withdrawal monitor. Factory-gated.
func (p *Pool) SetQueue(caller common.Address, queue WithdrawalQueue, monitorAddr common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.factory {
		return ErrForbidden
	}
	p.queue = queue
	p.monitorAddr = monitorAddr
	return nil
}

// SetPositionEngine wires the position engine identity allowed to lock and
// release borrow obligations. Factory-gated.
func (p *Pool) SetPositionEngine(caller, engineAddr common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.factory {
		return ErrForbidden
	}
	p.engineAddr = engineAddr
	return nil
}

func (p *Pool) Addr() common.Address       { return p.addr }
func (p *Pool) Factory() common.Address    { return p.factory }
func (p *Pool) QuoteToken() common.Address { return p.quoteToken }

func (p *Pool) Precision() *big.Int {
	return new(big.Int).Set(p.precision)
}

func (p *Pool) Interest() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interest
}

func (p *Pool) MaxOpenInterest() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.maxOpenInterest)
}

func (p *Pool) OpenInterest() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.openInterest)
}

func (p *Pool) QuoteReserve() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.quoteReserve)
}

func (p *Pool) TotalLiquidity() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalLiquidity)
}

func (p *Pool) AccFeePerShare() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.accFeePerShare)
}

func (p *Pool) TradeableBaseToken(token common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tradeable[token]
}

// LiquidityPositionOf returns a copy of the provider's share record.
func (p *Pool) LiquidityPositionOf(owner common.Address) LiquidityPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[owner]; ok {
		return pos.clone()
	}
	return *newLiquidityPosition()
}

// SetInterest updates the borrow rate. Factory-gated.
func (p *Pool) SetInterest(caller common.Address, interest uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.factory {
		return ErrForbidden
	}
	p.interest = interest
	return nil
}

// SetMaxOpenInterest updates the borrow cap. Factory-gated.
func (p *Pool) SetMaxOpenInterest(caller common.Address, cap *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.factory {
		return ErrForbidden
	}
	if cap == nil {
		cap = big.NewInt(0)
	}
	p.maxOpenInterest = new(big.Int).Set(cap)
	return nil
}

// SetBaseTokens flips which base assets may borrow against this pool.
// Factory-gated.
func (p *Pool) SetBaseTokens(caller common.Address, tokens []common.Address, allowed []bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.factory {
		return ErrForbidden
	}
	if len(tokens) != len(allowed) {
		return ErrBadLengths
	}
	for i, token := range tokens {
		p.tradeable[token] = allowed[i]
	}
	return nil
}

// Mint pulls amount of the quote token from `from` and credits recipient with
// liquidity shares. The pool verifies its own balance delta so tokens that
// deliver less than requested abort with ErrInsufficientInput.
func (p *Pool) Mint(from, recipient common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ledger == nil {
		return ErrNotWired
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	before := p.ledger.BalanceOf(p.quoteToken, p.addr)
	if err := p.ledger.Transfer(p.quoteToken, from, p.addr, amount); err != nil {
		return ErrInsufficientInput
	}
	received := new(big.Int).Sub(p.ledger.BalanceOf(p.quoteToken, p.addr), before)
	if received.Cmp(amount) < 0 {
		return ErrInsufficientInput
	}

	pos := p.position(recipient)
	p.settle(pos)
	pos.Liquidity = new(big.Int).Add(pos.Liquidity, amount)
	p.quoteReserve = new(big.Int).Add(p.quoteReserve, amount)
	p.totalLiquidity = new(big.Int).Add(p.totalLiquidity, amount)
	return nil
}

// AddBurnRequest queues a withdrawal of the caller's liquidity. The request
// amount is capped by the caller's non-withdrawing share; the withdrawal
// monitor drains the queue when liquidity allows.
func (p *Pool) AddBurnRequest(from common.Address, amount *big.Int, to common.Address, data []byte) error {
	p.mu.Lock()
	if p.queue == nil {
		p.mu.Unlock()
		return ErrNotWired
	}
	if amount == nil || amount.Sign() <= 0 {
		p.mu.Unlock()
		return ErrInvalidAmount
	}
	pos := p.position(from)
	available := new(big.Int).Sub(pos.Liquidity, pos.WithdrawingLiquidity)
	if available.Cmp(amount) < 0 {
		p.mu.Unlock()
		return ErrInsufficientOutput
	}
	p.settle(pos)
	pos.WithdrawingLiquidity = new(big.Int).Add(pos.WithdrawingLiquidity, amount)
	p.pendingWithdrawal = new(big.Int).Add(p.pendingWithdrawal, amount)
	queue := p.queue
	addr := p.addr
	quote := p.quoteToken
	p.mu.Unlock()

	// Enqueue outside the pool lock: the monitor re-enters the pool for
	// liquidity queries while serving.
	if err := queue.AddRequest(addr, from, quote, amount, to, data); err != nil {
		p.mu.Lock()
		pos := p.position(from)
		pos.WithdrawingLiquidity = new(big.Int).Sub(pos.WithdrawingLiquidity, amount)
		p.pendingWithdrawal = new(big.Int).Sub(p.pendingWithdrawal, amount)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Burn completes a previously queued withdrawal: pays `to`, shrinks the
// owner's share record and the reserve. Monitor-gated.
func (p *Pool) Burn(caller, owner common.Address, amount *big.Int, to common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.monitorAddr {
		return ErrForbidden
	}
	if p.ledger == nil {
		return ErrNotWired
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pos := p.position(owner)
	if pos.WithdrawingLiquidity.Cmp(amount) < 0 || pos.Liquidity.Cmp(amount) < 0 {
		return ErrInsufficientOutput
	}

	p.settle(pos)
	payout := new(big.Int).Add(amount, pos.PendingFee)
	if err := p.ledger.Transfer(p.quoteToken, p.addr, to, payout); err != nil {
		return ErrInsufficientLiquidity
	}
	pos.PendingFee = big.NewInt(0)
	pos.Liquidity = new(big.Int).Sub(pos.Liquidity, amount)
	pos.WithdrawingLiquidity = new(big.Int).Sub(pos.WithdrawingLiquidity, amount)
	pos.FeeDebt = new(big.Int).Set(p.accFeePerShare)
	p.quoteReserve = new(big.Int).Sub(p.quoteReserve, amount)
	p.totalLiquidity = new(big.Int).Sub(p.totalLiquidity, amount)
	p.pendingWithdrawal = new(big.Int).Sub(p.pendingWithdrawal, amount)
	return nil
}

// CollectFee settles and pays out the caller's accrued fees.
func (p *Pool) CollectFee(from, to common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ledger == nil {
		return nil, ErrNotWired
	}
	pos := p.position(from)
	p.settle(pos)
	owed := new(big.Int).Set(pos.PendingFee)
	if owed.Sign() == 0 {
		return owed, nil
	}
	if err := p.ledger.Transfer(p.quoteToken, p.addr, to, owed); err != nil {
		return nil, ErrInsufficientLiquidity
	}
	pos.PendingFee = big.NewInt(0)
	return owed, nil
}

// AvailLiquidity reports the currently borrowable reserve. Restricted to
// protocol-internal callers (monitor, position engine, factory).
func (p *Pool) AvailLiquidity(caller common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.monitorAddr && caller != p.engineAddr && caller != p.factory {
		return nil, ErrForbidden
	}
	return p.availLiquidity(), nil
}

// FreeLiquidity reports unborrowed reserve without the withdrawal earmark.
// This is the serviceability metric for queued withdrawals: the earmark exists
// to keep Lock from lending queued funds out, not to block paying them back.
// Restricted like AvailLiquidity.
func (p *Pool) FreeLiquidity(caller common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.monitorAddr && caller != p.engineAddr && caller != p.factory {
		return nil, ErrForbidden
	}
	free := new(big.Int).Sub(p.quoteReserve, p.openInterest)
	if free.Sign() < 0 {
		free = big.NewInt(0)
	}
	return free, nil
}

func (p *Pool) availLiquidity() *big.Int {
	avail := new(big.Int).Sub(p.quoteReserve, p.openInterest)
	avail.Sub(avail, p.pendingWithdrawal)
	if avail.Sign() < 0 {
		return big.NewInt(0)
	}
	return avail
}

// Lock draws amount of pool liquidity as a borrow obligation for a new
// position. Engine-gated.
func (p *Pool) Lock(caller common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.engineAddr {
		return ErrForbidden
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	projected := new(big.Int).Add(p.openInterest, amount)
	if p.maxOpenInterest.Sign() == 0 || projected.Cmp(p.maxOpenInterest) > 0 {
		return ErrExceedMaxOpenInterest
	}
	if p.availLiquidity().Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	p.openInterest = projected
	return nil
}

// Release settles a borrow obligation at close. principal is the original
// locked amount; repaid is the portion of principal actually recovered. Any
// shortfall is socialized against the reserve. Engine-gated.
func (p *Pool) Release(caller common.Address, principal, repaid *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.engineAddr {
		return ErrForbidden
	}
	if principal == nil || principal.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.openInterest.Cmp(principal) < 0 {
		return ErrInvalidAmount
	}
	p.openInterest = new(big.Int).Sub(p.openInterest, principal)
	if repaid == nil {
		repaid = big.NewInt(0)
	}
	if repaid.Cmp(principal) < 0 {
		loss := new(big.Int).Sub(principal, repaid)
		p.quoteReserve = new(big.Int).Sub(p.quoteReserve, loss)
		if p.quoteReserve.Sign() < 0 {
			p.quoteReserve = big.NewInt(0)
		}
	}
	return nil
}

// PayFee distributes amount of quote-token fees pro-rata to current liquidity
// by bumping accFeePerShare. The fee tokens must already sit on the pool's
// ledger balance. Engine-gated.
func (p *Pool) PayFee(caller common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.engineAddr {
		return ErrForbidden
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if p.totalLiquidity.Sign() == 0 {
		return nil
	}
	delta := new(big.Int).Mul(amount, feeScale)
	delta.Quo(delta, p.totalLiquidity)
	p.accFeePerShare = new(big.Int).Add(p.accFeePerShare, delta)
	return nil
}

func (p *Pool) position(owner common.Address) *LiquidityPosition {
	pos, ok := p.positions[owner]
	if !ok {
		pos = newLiquidityPosition()
		p.positions[owner] = pos
	}
	return pos
}

// settle rolls the accumulator delta since the last snapshot into PendingFee.
// Late depositors never collect fees accrued before their deposit because
// FeeDebt snapshots the accumulator at settlement time.
func (p *Pool) settle(pos *LiquidityPosition) {
	if pos.Liquidity.Sign() > 0 {
		delta := new(big.Int).Sub(p.accFeePerShare, pos.FeeDebt)
		if delta.Sign() > 0 {
			owed := new(big.Int).Mul(pos.Liquidity, delta)
			owed.Quo(owed, feeScale)
			pos.PendingFee = new(big.Int).Add(pos.PendingFee, owed)
		}
	}
	pos.FeeDebt = new(big.Int).Set(p.accFeePerShare)
}
