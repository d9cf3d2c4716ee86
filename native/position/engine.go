// Package position is the margin trading engine. A position borrows quote
// liquidity from a pool against a purchased base leg plus posted collateral;
// the engine escrows the legs, tracks liquidation triggers off the price feed
// and settles closed positions through the DEX aggregator.
package position

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marginx/native/dex"
	"marginx/native/oracle"
	"marginx/native/params"
	"marginx/native/pool"
	"marginx/native/userstore"
)

var (
	ErrForbidden             = errors.New("position: forbidden")
	ErrWrongPool             = errors.New("position: wrong pool")
	ErrInvalidParameters     = errors.New("position: invalid parameters")
	ErrUntradeableBaseToken  = errors.New("position: untradeable base token")
	ErrInsufficientInput     = errors.New("position: insufficient input amount")
	ErrExceedMaxOpenInterest = errors.New("position: exceed max open interest")
	ErrNotExists             = errors.New("position: not exists")
	ErrAlreadyClosed         = errors.New("position: already closed")
	ErrNothingToClose        = errors.New("position: no close condition met")
	ErrManualNotAsked        = errors.New("position: manual close not asked")
	ErrManualCooldown        = errors.New("position: manual close cooldown not elapsed")
	ErrOutOfRange            = errors.New("position: index out of range")
)

type poolRef = *pool.Pool

// Recorder journals position snapshots. Nil disables persistence.
type Recorder interface {
	Record(key string, value any) error
}

// OpenParams describes a prospective position.
type OpenParams struct {
	Owner            common.Address
	Pool             common.Address
	QuoteToken       common.Address
	BaseToken        common.Address
	BaseAmount       *big.Int
	CollateralToken  common.Address
	CollateralAmount *big.Int
	QuoteAmount      *big.Int
	StoplossPrice    *big.Int
	TakeProfitPrice  *big.Int
	Deadline         int64
	Ref              common.Address
}

// Engine owns the position book.
type Engine struct {
	mu sync.Mutex

	addr      common.Address
	precision *big.Int

	registry *params.Registry
	feed     *oracle.Feed
	router   *dex.Aggregator
	users    *userstore.Store
	ledger   pool.Ledger
	recorder Recorder
	now      func() int64

	nonce uint64
	list  []*Position
	index map[common.Hash]uint64 // 1-based

	openingList  []common.Hash
	openingIndex map[common.Hash]uint64 // 1-based, swap-compacted
	byOwner      map[common.Address][]common.Hash
}

func NewEngine(addr common.Address, registry *params.Registry, feed *oracle.Feed, router *dex.Aggregator, users *userstore.Store, led pool.Ledger) *Engine {
	return &Engine{
		addr:         addr,
		precision:    oracle.Precision,
		registry:     registry,
		feed:         feed,
		router:       router,
		users:        users,
		ledger:       led,
		now:          func() int64 { return time.Now().Unix() },
		index:        make(map[common.Hash]uint64),
		openingIndex: make(map[common.Hash]uint64),
		byOwner:      make(map[common.Address][]common.Hash),
	}
}

func (e *Engine) Addr() common.Address { return e.addr }

// SetRecorder wires the persistence journal.
func (e *Engine) SetRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = r
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Open validates, funds and indexes a new position. The owner delivers the
// base and collateral legs into engine escrow and receives the borrowed quote.
func (e *Engine) Open(params OpenParams) (*Position, error) {
	p, pl, err := e.preview(params)
	if err != nil {
		return nil, err
	}

	// Pull the legs into escrow before locking pool liquidity; a failed pull
	// is the caller's fault, a failed lock rolls the pulls back.
	if err := e.ledger.Transfer(params.BaseToken, params.Owner, e.addr, params.BaseAmount); err != nil {
		return nil, ErrInsufficientInput
	}
	if err := e.ledger.Transfer(params.CollateralToken, params.Owner, e.addr, params.CollateralAmount); err != nil {
		_ = e.ledger.Transfer(params.BaseToken, e.addr, params.Owner, params.BaseAmount)
		return nil, ErrInsufficientInput
	}
	if err := pl.Lock(e.addr, p.QuoteAmount); err != nil {
		_ = e.ledger.Transfer(params.BaseToken, e.addr, params.Owner, params.BaseAmount)
		_ = e.ledger.Transfer(params.CollateralToken, e.addr, params.Owner, params.CollateralAmount)
		if errors.Is(err, pool.ErrExceedMaxOpenInterest) {
			return nil, ErrExceedMaxOpenInterest
		}
		return nil, err
	}
	if err := e.ledger.Transfer(params.QuoteToken, pl.Addr(), params.Owner, p.QuoteAmount); err != nil {
		_ = pl.Release(e.addr, p.QuoteAmount, p.QuoteAmount)
		_ = e.ledger.Transfer(params.BaseToken, e.addr, params.Owner, params.BaseAmount)
		_ = e.ledger.Transfer(params.CollateralToken, e.addr, params.Owner, params.CollateralAmount)
		return nil, err
	}

	if e.users != nil {
		_ = e.users.UpdateRef(params.Owner, params.Ref)
	}

	e.mu.Lock()
	e.nonce++
	p.Key = positionKey(params.Owner, params.BaseToken, params.CollateralToken, params.QuoteToken, e.nonce)
	e.list = append(e.list, p)
	e.index[p.Key] = uint64(len(e.list))
	e.openingList = append(e.openingList, p.Key)
	e.openingIndex[p.Key] = uint64(len(e.openingList))
	e.byOwner[params.Owner] = append(e.byOwner[params.Owner], p.Key)
	snapshot := p.clone()
	e.mu.Unlock()

	e.record(snapshot)
	return snapshot, nil
}

// PositionLength reports how many positions were ever opened.
func (e *Engine) PositionLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.list)
}

// PositionAt returns the position at the 1-based index.
func (e *Engine) PositionAt(index uint64) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index == 0 || index > uint64(len(e.list)) {
		return nil, ErrOutOfRange
	}
	return e.list[index-1].clone(), nil
}

// PositionByKey resolves a position by its key.
func (e *Engine) PositionByKey(key common.Hash) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.findLocked(key)
	if err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// PositionIndex returns the 1-based global index of a key, zero when unknown.
func (e *Engine) PositionIndex(key common.Hash) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index[key]
}

// OpeningPositions returns the keys of all positions still on the book.
func (e *Engine) OpeningPositions() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Hash, len(e.openingList))
	copy(out, e.openingList)
	return out
}

// PositionsOf returns every position key the owner ever opened.
func (e *Engine) PositionsOf(owner common.Address) []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := e.byOwner[owner]
	out := make([]common.Hash, len(keys))
	copy(out, keys)
	return out
}

func (e *Engine) findLocked(key common.Hash) (*Position, error) {
	idx, ok := e.index[key]
	if !ok {
		return nil, ErrNotExists
	}
	return e.list[idx-1], nil
}

// EvaluateClose reports which close condition, if any, a position currently
// meets. Pure read; Close applies the same priority order.
func (e *Engine) EvaluateClose(key common.Hash) (CloseReason, error) {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return ReasonNone, err
	}
	if p.Closed() {
		e.mu.Unlock()
		return ReasonNone, ErrAlreadyClosed
	}
	snapshot := p.clone()
	e.mu.Unlock()
	reason, _, _, err := e.evaluate(snapshot)
	return reason, err
}

// evaluate resolves the close reason and close prices for a live position.
// Liquidations outrank trader triggers, which outrank expiry.
func (e *Engine) evaluate(p *Position) (CloseReason, *big.Int, *big.Int, error) {
	lowBase, err := e.feed.GetLowestPrice(p.Base.ID, p.QuoteToken)
	if err != nil {
		return ReasonNone, nil, nil, err
	}
	highBase, err := e.feed.GetHighestPrice(p.Base.ID, p.QuoteToken)
	if err != nil {
		return ReasonNone, nil, nil, err
	}
	lowCollateral, err := e.feed.GetLowestPrice(p.Collateral.ID, p.QuoteToken)
	if err != nil {
		return ReasonNone, nil, nil, err
	}

	switch {
	case p.Base.LiqPrice.Sign() > 0 && lowBase.Cmp(p.Base.LiqPrice) <= 0:
		return ReasonBaseLiquidated, lowBase, lowCollateral, nil
	case p.Collateral.LiqPrice.Sign() > 0 && lowCollateral.Cmp(p.Collateral.LiqPrice) <= 0:
		return ReasonCollateralLiquidated, lowBase, lowCollateral, nil
	case p.StoplossPrice.Sign() > 0 && lowBase.Cmp(p.StoplossPrice) <= 0:
		return ReasonStoploss, lowBase, lowCollateral, nil
	case p.TakeProfitPrice.Sign() > 0 && highBase.Cmp(p.TakeProfitPrice) >= 0:
		return ReasonTakeProfit, highBase, lowCollateral, nil
	case e.now() >= p.Deadline:
		return ReasonExpired, lowBase, lowCollateral, nil
	default:
		return ReasonNone, nil, nil, ErrNothingToClose
	}
}

// Close settles a position whose close condition holds. Permissionless: any
// caller may crystallize a liquidation, trigger hit or expiry; the caller is
// recorded as the closer.
func (e *Engine) Close(caller common.Address, key common.Hash) (*Position, error) {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if p.Closed() {
		e.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	snapshot := p.clone()
	e.mu.Unlock()

	reason, closeBase, closeCollateral, err := e.evaluate(snapshot)
	if err != nil {
		return nil, err
	}
	return e.settle(key, caller, reason, closeBase, closeCollateral)
}

// claim stamps the close reason under the lock before any settlement side
// effect. Concurrent closers race on the stamp; losers get ErrAlreadyClosed.
func (e *Engine) claim(key common.Hash, reason CloseReason) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.findLocked(key)
	if err != nil {
		return nil, err
	}
	if p.Closed() {
		return nil, ErrAlreadyClosed
	}
	p.Reason = reason
	return p.clone(), nil
}

// unclaim reverts a claim whose settlement never moved funds.
func (e *Engine) unclaim(key common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, err := e.findLocked(key); err == nil && p.ClosedAt == 0 {
		p.Reason = ReasonNone
	}
}

// settle liquidates the escrowed legs through the DEX, repays the pool,
// distributes fees and marks the position closed.
func (e *Engine) settle(key common.Hash, closer common.Address, reason CloseReason, closeBase, closeCollateral *big.Int) (*Position, error) {
	snapshot, err := e.claim(key, reason)
	if err != nil {
		return nil, err
	}

	pl, err := e.registry.PoolByQuoteToken(snapshot.QuoteToken)
	if err != nil {
		e.unclaim(key)
		return nil, err
	}

	proceeds := big.NewInt(0)
	if out, err := e.router.Swap(0, snapshot.Base.ID, snapshot.QuoteToken, snapshot.Base.Amount, nil, e.addr, e.addr); err == nil {
		proceeds = out
	}

	debt := new(big.Int).Set(snapshot.QuoteAmount)
	fee := snapshot.Fee
	if e.users != nil {
		fee = e.users.DiscountedFee(snapshot.Owner, snapshot.Fee)
	}
	liqFee := big.NewInt(0)
	liqRate, _ := e.registry.LiquidationFee()
	if reason == ReasonBaseLiquidated || reason == ReasonCollateralLiquidated {
		liqFee = new(big.Int).Mul(debt, new(big.Int).SetUint64(liqRate))
		liqFee.Quo(liqFee, big.NewInt(bpsDenominator))
	}
	need := new(big.Int).Add(debt, fee)
	need.Add(need, liqFee)

	// Tap collateral only for the shortfall.
	collateralLeft := new(big.Int).Set(snapshot.Collateral.Amount)
	if proceeds.Cmp(need) < 0 && collateralLeft.Sign() > 0 {
		shortfall := new(big.Int).Sub(need, proceeds)
		sellAmount := new(big.Int).Set(collateralLeft)
		if in, err := e.router.GetAmountIn(snapshot.Collateral.ID, snapshot.QuoteToken, shortfall); err == nil && in.Cmp(sellAmount) < 0 {
			sellAmount = in
		}
		if out, err := e.router.Swap(0, snapshot.Collateral.ID, snapshot.QuoteToken, sellAmount, nil, e.addr, e.addr); err == nil {
			proceeds.Add(proceeds, out)
			collateralLeft.Sub(collateralLeft, sellAmount)
		}
	}

	repaid := new(big.Int).Set(debt)
	if proceeds.Cmp(repaid) < 0 {
		repaid = new(big.Int).Set(proceeds)
	}
	if repaid.Sign() > 0 {
		if err := e.ledger.Transfer(snapshot.QuoteToken, e.addr, pl.Addr(), repaid); err != nil {
			return nil, err
		}
	}
	if err := pl.Release(e.addr, debt, repaid); err != nil {
		return nil, err
	}
	proceeds.Sub(proceeds, repaid)

	e.distributeFee(pl, snapshot.QuoteToken, proceeds, fee)
	if liqFee.Sign() > 0 && proceeds.Sign() > 0 {
		cut := minBig(proceeds, liqFee)
		if err := e.ledger.Transfer(snapshot.QuoteToken, e.addr, pl.Addr(), cut); err == nil {
			_ = pl.PayFee(e.addr, cut)
			proceeds.Sub(proceeds, cut)
		}
	}

	// Whatever remains belongs to the trader.
	if proceeds.Sign() > 0 {
		_ = e.ledger.Transfer(snapshot.QuoteToken, e.addr, snapshot.Owner, proceeds)
	}
	if collateralLeft.Sign() > 0 {
		_ = e.ledger.Transfer(snapshot.Collateral.ID, e.addr, snapshot.Owner, collateralLeft)
	}

	return e.finalize(key, closer, reason, closeBase, closeCollateral)
}

// distributeFee splits the funding fee between the protocol sink and the LPs.
// Paid best-effort out of remaining proceeds.
func (e *Engine) distributeFee(pl poolRef, quoteToken common.Address, proceeds, fee *big.Int) {
	if fee.Sign() <= 0 || proceeds.Sign() <= 0 {
		return
	}
	actual := minBig(proceeds, fee)
	protocolRate, protocolTo := e.registry.ProtocolFee()
	protocolCut := new(big.Int).Mul(actual, new(big.Int).SetUint64(protocolRate))
	protocolCut.Quo(protocolCut, big.NewInt(bpsDenominator))
	lpCut := new(big.Int).Sub(actual, protocolCut)

	if protocolCut.Sign() > 0 && protocolTo != (common.Address{}) {
		if err := e.ledger.Transfer(quoteToken, e.addr, protocolTo, protocolCut); err == nil {
			proceeds.Sub(proceeds, protocolCut)
		}
	}
	if lpCut.Sign() > 0 {
		if err := e.ledger.Transfer(quoteToken, e.addr, pl.Addr(), lpCut); err == nil {
			_ = pl.PayFee(e.addr, lpCut)
			proceeds.Sub(proceeds, lpCut)
		}
	}
}

// finalize stamps close metadata and drops the key from the opening set. A
// position that already carries a close timestamp is never finalized twice.
func (e *Engine) finalize(key common.Hash, closer common.Address, reason CloseReason, closeBase, closeCollateral *big.Int) (*Position, error) {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if p.ClosedAt != 0 {
		e.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	p.Reason = reason
	p.Closer = closer
	p.ClosedAt = e.now()
	if reason == ReasonBaseLiquidated || reason == ReasonCollateralLiquidated {
		p.LiquidationMarkTime = p.ClosedAt
	}
	if closeBase != nil {
		p.Base.ClosePrice = new(big.Int).Set(closeBase)
	}
	if closeCollateral != nil {
		p.Collateral.ClosePrice = new(big.Int).Set(closeCollateral)
	}
	e.removeOpeningLocked(key)
	snapshot := p.clone()
	e.mu.Unlock()

	e.record(snapshot)
	return snapshot, nil
}

func (e *Engine) removeOpeningLocked(key common.Hash) {
	idx, ok := e.openingIndex[key]
	if !ok {
		return
	}
	pos := int(idx - 1)
	last := len(e.openingList) - 1
	if pos != last {
		e.openingList[pos] = e.openingList[last]
		e.openingIndex[e.openingList[pos]] = idx
	}
	e.openingList = e.openingList[:last]
	delete(e.openingIndex, key)
}

// AskManualClose starts the owner's two-step voluntary close.
func (e *Engine) AskManualClose(caller common.Address, key common.Hash) error {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if p.Owner != caller {
		e.mu.Unlock()
		return ErrForbidden
	}
	if p.Closed() {
		e.mu.Unlock()
		return ErrAlreadyClosed
	}
	p.ManualAskedAt = e.now()
	snapshot := p.clone()
	e.mu.Unlock()

	e.record(snapshot)
	return nil
}

// ExecuteManualClose finishes the voluntary close after the cooldown: the
// owner redeems both legs by repaying the debt plus the funding fee directly.
func (e *Engine) ExecuteManualClose(caller common.Address, key common.Hash) (*Position, error) {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if p.Owner != caller {
		e.mu.Unlock()
		return nil, ErrForbidden
	}
	if p.Closed() {
		e.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	if p.ManualAskedAt == 0 {
		e.mu.Unlock()
		return nil, ErrManualNotAsked
	}
	if e.now() < p.ManualAskedAt+int64(e.registry.ManualExpiration()) {
		e.mu.Unlock()
		return nil, ErrManualCooldown
	}
	e.mu.Unlock()

	snapshot, err := e.claim(key, ReasonManual)
	if err != nil {
		return nil, err
	}
	return e.redeem(key, snapshot, ReasonManual, big.NewInt(0), caller)
}

// Rollback is the governance escape hatch: the trade is unwound at cost plus
// a flat fee. Registry manager or operator only.
func (e *Engine) Rollback(caller common.Address, key common.Hash) (*Position, error) {
	if caller != e.registry.Manager() && !e.registry.IsOperator(caller) {
		return nil, ErrForbidden
	}
	snapshot, err := e.claim(key, ReasonRollback)
	if err != nil {
		return nil, err
	}
	return e.redeem(key, snapshot, ReasonRollback, e.registry.RollbackFee(), caller)
}

// redeem returns both legs to the owner against full repayment of the debt.
// extraFee is the flat rollback fee, paid to the liquidation fee sink. The
// caller holds the claim on key; a redeem that fails before funds move hands
// the claim back.
func (e *Engine) redeem(key common.Hash, snapshot *Position, reason CloseReason, extraFee *big.Int, closer common.Address) (*Position, error) {
	pl, err := e.registry.PoolByQuoteToken(snapshot.QuoteToken)
	if err != nil {
		e.unclaim(key)
		return nil, err
	}
	debt := snapshot.QuoteAmount
	fee := snapshot.Fee
	if e.users != nil {
		fee = e.users.DiscountedFee(snapshot.Owner, snapshot.Fee)
	}

	// The owner covers debt, fee and the flat fee up front; checking the
	// balance before moving anything keeps a failed redeem side-effect free.
	need := new(big.Int).Add(debt, fee)
	if extraFee != nil && extraFee.Sign() > 0 {
		need.Add(need, extraFee)
	}
	if e.ledger.BalanceOf(snapshot.QuoteToken, snapshot.Owner).Cmp(need) < 0 {
		e.unclaim(key)
		return nil, ErrInsufficientInput
	}

	// Repay straight from the owner; a trader who cannot cover the debt
	// cannot redeem.
	if err := e.ledger.Transfer(snapshot.QuoteToken, snapshot.Owner, pl.Addr(), debt); err != nil {
		e.unclaim(key)
		return nil, ErrInsufficientInput
	}
	if err := pl.Release(e.addr, debt, debt); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.ledger.Transfer(snapshot.QuoteToken, snapshot.Owner, pl.Addr(), fee); err != nil {
			return nil, ErrInsufficientInput
		}
		// The owner pays the full fee to the pool; the protocol share is
		// carved out of it.
		protocolRate, protocolTo := e.registry.ProtocolFee()
		protocolCut := new(big.Int).Mul(fee, new(big.Int).SetUint64(protocolRate))
		protocolCut.Quo(protocolCut, big.NewInt(bpsDenominator))
		if protocolCut.Sign() > 0 && protocolTo != (common.Address{}) {
			if err := e.ledger.Transfer(snapshot.QuoteToken, pl.Addr(), protocolTo, protocolCut); err == nil {
				fee = new(big.Int).Sub(fee, protocolCut)
			}
		}
		_ = pl.PayFee(e.addr, fee)
	}
	if extraFee != nil && extraFee.Sign() > 0 {
		_, liqTo := e.registry.LiquidationFee()
		if liqTo != (common.Address{}) {
			if err := e.ledger.Transfer(snapshot.QuoteToken, snapshot.Owner, liqTo, extraFee); err != nil {
				return nil, ErrInsufficientInput
			}
		}
	}

	_ = e.ledger.Transfer(snapshot.Base.ID, e.addr, snapshot.Owner, snapshot.Base.Amount)
	_ = e.ledger.Transfer(snapshot.Collateral.ID, e.addr, snapshot.Owner, snapshot.Collateral.Amount)

	closeBase, _ := e.feed.GetLowestPrice(snapshot.Base.ID, snapshot.QuoteToken)
	closeCollateral, _ := e.feed.GetLowestPrice(snapshot.Collateral.ID, snapshot.QuoteToken)
	return e.finalize(key, closer, reason, closeBase, closeCollateral)
}

// UpdateStoplossPrice moves the owner's stoploss trigger. Charged in the
// service token.
func (e *Engine) UpdateStoplossPrice(caller common.Address, key common.Hash, price *big.Int) error {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if p.Owner != caller {
		e.mu.Unlock()
		return ErrForbidden
	}
	if p.Closed() {
		e.mu.Unlock()
		return ErrAlreadyClosed
	}
	if price == nil || price.Sign() < 0 {
		e.mu.Unlock()
		return ErrInvalidParameters
	}
	e.mu.Unlock()

	slFee, _, _ := e.registry.UpdateFees()
	if err := e.chargeServiceFee(caller, slFee); err != nil {
		return err
	}

	e.mu.Lock()
	p.StoplossPrice = new(big.Int).Set(price)
	snapshot := p.clone()
	e.mu.Unlock()
	e.record(snapshot)
	return nil
}

// AddCollateral tops the collateral leg up and pushes its liquidation price
// down. Charged in the service token.
func (e *Engine) AddCollateral(caller common.Address, key common.Hash, amount *big.Int) error {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if p.Owner != caller {
		e.mu.Unlock()
		return ErrForbidden
	}
	if p.Closed() {
		e.mu.Unlock()
		return ErrAlreadyClosed
	}
	if amount == nil || amount.Sign() <= 0 {
		e.mu.Unlock()
		return ErrInvalidParameters
	}
	collateralToken := p.Collateral.ID
	e.mu.Unlock()

	_, colFee, _ := e.registry.UpdateFees()
	if err := e.chargeServiceFee(caller, colFee); err != nil {
		return err
	}
	if err := e.ledger.Transfer(collateralToken, caller, e.addr, amount); err != nil {
		return ErrInsufficientInput
	}

	e.mu.Lock()
	p.Collateral.Amount = new(big.Int).Add(p.Collateral.Amount, amount)
	if risk, ok := e.registry.CollateralRiskOf(p.Collateral.ID); ok && risk.MaxUsage > 0 {
		liqValue := new(big.Int).Sub(p.QuoteAmount, p.MUTB)
		if liqValue.Sign() > 0 {
			liqValue.Mul(liqValue, new(big.Int).SetUint64(risk.LiqThreshold))
			liqValue.Quo(liqValue, new(big.Int).SetUint64(risk.MaxUsage))
			liq := new(big.Int).Mul(liqValue, e.precision)
			liq.Quo(liq, p.Collateral.Amount)
			p.Collateral.LiqPrice = liq
		} else {
			p.Collateral.LiqPrice = big.NewInt(0)
		}
	}
	snapshot := p.clone()
	e.mu.Unlock()
	e.record(snapshot)
	return nil
}

// UpdateDeadline extends the position and reprices its funding fee over the
// new lifetime. Charged in the service token.
func (e *Engine) UpdateDeadline(caller common.Address, key common.Hash, deadline int64) error {
	e.mu.Lock()
	p, err := e.findLocked(key)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if p.Owner != caller {
		e.mu.Unlock()
		return ErrForbidden
	}
	if p.Closed() {
		e.mu.Unlock()
		return ErrAlreadyClosed
	}
	if deadline <= p.Deadline {
		e.mu.Unlock()
		return ErrInvalidParameters
	}
	quoteToken := p.QuoteToken
	e.mu.Unlock()

	_, _, dlFee := e.registry.UpdateFees()
	if err := e.chargeServiceFee(caller, dlFee); err != nil {
		return err
	}
	pl, err := e.registry.PoolByQuoteToken(quoteToken)
	if err != nil {
		return err
	}

	e.mu.Lock()
	p.Deadline = deadline
	fee := new(big.Int).Mul(p.QuoteAmount, new(big.Int).SetUint64(pl.Interest()))
	fee.Mul(fee, big.NewInt(deadline-p.OpenedAt))
	fee.Quo(fee, big.NewInt(secondsPerYear*bpsDenominator))
	p.Fee = fee
	protocolRate, _ := e.registry.ProtocolFee()
	protocolFee := new(big.Int).Mul(fee, new(big.Int).SetUint64(protocolRate))
	protocolFee.Quo(protocolFee, big.NewInt(bpsDenominator))
	p.ProtocolFee = protocolFee
	snapshot := p.clone()
	e.mu.Unlock()
	e.record(snapshot)
	return nil
}

func (e *Engine) chargeServiceFee(payer common.Address, fee *big.Int) error {
	if fee == nil || fee.Sign() <= 0 {
		return nil
	}
	token, to := e.registry.ServiceFee()
	if token == (common.Address{}) || to == (common.Address{}) {
		return nil
	}
	if err := e.ledger.Transfer(token, payer, to, fee); err != nil {
		return ErrInsufficientInput
	}
	return nil
}

func (e *Engine) record(p *Position) {
	if e.recorder == nil {
		return
	}
	_ = e.recorder.Record("position/"+p.Key.Hex(), p)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
