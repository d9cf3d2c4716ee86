package position

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"marginx/core/ledger"
	"marginx/native/dex"
	"marginx/native/oracle"
	"marginx/native/params"
	"marginx/native/pool"
	"marginx/native/userstore"
)

var (
	registryAddr = common.HexToAddress("0xFAC0")
	engineAddr   = common.HexToAddress("0x4001")
	managerAddr  = common.HexToAddress("0x2001")
	inventory    = common.HexToAddress("0x5001")
	feeSink      = common.HexToAddress("0x6001")
	liqSink      = common.HexToAddress("0x6002")
	serviceSink  = common.HexToAddress("0x6003")
	trader       = common.HexToAddress("0x1001")
	lp           = common.HexToAddress("0x1002")

	usdc = common.HexToAddress("0xAAA1") // quote
	weth = common.HexToAddress("0xBBB1") // base
	dai  = common.HexToAddress("0xCCC1") // collateral
	srv  = common.HexToAddress("0xDDD1") // service token
)

// Prices are value-precision integers; tokens use zero decimals so amounts
// stay small.
func px(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oracle.Precision)
}

// pxFrac builds a fractional price num/den at value precision.
func pxFrac(num, den int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(num), oracle.Precision)
	return v.Quo(v, big.NewInt(den))
}

type fixture struct {
	ledger   *ledger.Ledger
	source   *oracle.StaticSource
	feed     *oracle.Feed
	registry *params.Registry
	router   *dex.Aggregator
	users    *userstore.Store
	engine   *Engine
	pool     *pool.Pool
	now      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: 1_700_000_000}

	f.ledger = ledger.New()
	for _, tok := range []ledger.Token{
		{ID: usdc, Symbol: "USDC"},
		{ID: weth, Symbol: "WETH"},
		{ID: dai, Symbol: "DAI"},
		{ID: srv, Symbol: "SRV"},
	} {
		f.ledger.Register(tok)
	}

	f.source = oracle.NewStaticSource("static")
	f.source.SetPrice(weth, usdc, px(2000))
	f.source.SetPrice(dai, usdc, px(1))
	f.feed = oracle.NewFeed(managerAddr, f.ledger)
	if err := f.feed.SetSources(managerAddr, []oracle.Source{f.source}); err != nil {
		t.Fatalf("set sources: %v", err)
	}

	f.registry = params.New(registryAddr, managerAddr, f.ledger, nil)
	if err := f.registry.SetPositionEngine(managerAddr, engineAddr); err != nil {
		t.Fatalf("set engine: %v", err)
	}
	p, err := f.registry.CreatePool(managerAddr, usdc, 0, 1000)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	f.pool = p
	if err := f.registry.SetPoolMaxOpenInterest(managerAddr, usdc, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if err := f.registry.SetPoolBaseTokens(managerAddr, usdc, []common.Address{weth}, []bool{true}); err != nil {
		t.Fatalf("set base tokens: %v", err)
	}
	if err := f.registry.SetBaseTokenRisk(managerAddr, []common.Address{weth}, []params.TokenRisk{{MaxUsage: 9000, LiqThreshold: 8000}}); err != nil {
		t.Fatalf("set base risk: %v", err)
	}
	if err := f.registry.SetCollateralRisk(managerAddr, []common.Address{dai}, []params.TokenRisk{{MaxUsage: 9000, LiqThreshold: 9000}}); err != nil {
		t.Fatalf("set collateral risk: %v", err)
	}
	if err := f.registry.SetProtocolFee(managerAddr, 2000, feeSink); err != nil {
		t.Fatalf("set protocol fee: %v", err)
	}
	if err := f.registry.SetLiquidationFee(managerAddr, 500, liqSink); err != nil {
		t.Fatalf("set liquidation fee: %v", err)
	}

	f.router = dex.NewAggregator(managerAddr)
	venue := dex.NewFeedVenue("oracle", f.feed, f.ledger, inventory, 0)
	if err := f.router.AddDEX(managerAddr, venue); err != nil {
		t.Fatalf("add dex: %v", err)
	}
	mustMint(t, f.ledger, usdc, inventory, 1_000_000)
	mustMint(t, f.ledger, dai, inventory, 1_000_000)

	f.users = userstore.New(managerAddr)

	f.engine = NewEngine(engineAddr, f.registry, f.feed, f.router, f.users, f.ledger)
	f.engine.SetClock(func() int64 { return f.now })

	// Seed pool liquidity and trader legs.
	mustMint(t, f.ledger, usdc, lp, 100_000)
	if err := f.pool.Mint(lp, lp, big.NewInt(100_000)); err != nil {
		t.Fatalf("pool mint: %v", err)
	}
	mustMint(t, f.ledger, weth, trader, 10)
	mustMint(t, f.ledger, dai, trader, 10_000)
	return f
}

func mustMint(t *testing.T, led *ledger.Ledger, token, holder common.Address, amount int64) {
	t.Helper()
	if err := led.Mint(token, holder, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (f *fixture) openParams() OpenParams {
	return OpenParams{
		Owner:            trader,
		QuoteToken:       usdc,
		BaseToken:        weth,
		BaseAmount:       big.NewInt(1),
		CollateralToken:  dai,
		CollateralAmount: big.NewInt(500),
		QuoteAmount:      big.NewInt(2000),
		Deadline:         f.now + 365*86_400,
	}
}

func TestSizingFormulas(t *testing.T) {
	f := newFixture(t)

	minCollateral, err := f.engine.GetMinCollateralAmount(weth, big.NewInt(1), dai, usdc)
	if err != nil {
		t.Fatalf("min collateral: %v", err)
	}
	// baseValue 2000, (minQuoteRate-MUTb)/MUTc = 1000/9000 -> 222, DAI at 1.
	if minCollateral.Cmp(big.NewInt(222)) != 0 {
		t.Fatalf("min collateral = %s, want 222", minCollateral)
	}

	minQuote, maxQuote, err := f.engine.GetQuoteAmountRange(weth, big.NewInt(1), dai, big.NewInt(500), usdc)
	if err != nil {
		t.Fatalf("quote range: %v", err)
	}
	if minQuote.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("min quote = %s, want 2000", minQuote)
	}
	// 2000*0.9 + 500*0.9 = 2250.
	if maxQuote.Cmp(big.NewInt(2250)) != 0 {
		t.Fatalf("max quote = %s, want 2250", maxQuote)
	}
}

func TestQuoteRangeFailsClosedBelowMinCollateral(t *testing.T) {
	f := newFixture(t)

	// One unit under the 222 minimum: no borrowable range at all.
	minQuote, maxQuote, err := f.engine.GetQuoteAmountRange(weth, big.NewInt(1), dai, big.NewInt(221), usdc)
	if err != nil {
		t.Fatalf("quote range: %v", err)
	}
	if minQuote.Sign() != 0 || maxQuote.Sign() != 0 {
		t.Fatalf("range = [%s, %s], want [0, 0]", minQuote, maxQuote)
	}

	// Nil collateral is treated as zero.
	minQuote, maxQuote, err = f.engine.GetQuoteAmountRange(weth, big.NewInt(1), dai, nil, usdc)
	if err != nil {
		t.Fatalf("quote range: %v", err)
	}
	if minQuote.Sign() != 0 || maxQuote.Sign() != 0 {
		t.Fatalf("range = [%s, %s], want [0, 0]", minQuote, maxQuote)
	}
}

func TestMinCollateralRoundsDown(t *testing.T) {
	f := newFixture(t)

	// Gap value 2000*1000/9000 = 222; at a DAI price of 7 the conversion
	// truncates to 31 rather than rounding up to 32.
	f.source.SetPrice(dai, usdc, px(7))
	minCollateral, err := f.engine.GetMinCollateralAmount(weth, big.NewInt(1), dai, usdc)
	if err != nil {
		t.Fatalf("min collateral: %v", err)
	}
	if minCollateral.Cmp(big.NewInt(31)) != 0 {
		t.Fatalf("min collateral = %s, want 31", minCollateral)
	}
}

func TestPreviewComputesLiqPricesAndFees(t *testing.T) {
	f := newFixture(t)

	p, err := f.engine.PreviewTradePosition(f.openParams())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// mutb = 2000*0.9 = 1800 (below quote 2000).
	if p.MUTB.Cmp(big.NewInt(1800)) != 0 {
		t.Fatalf("mutb = %s, want 1800", p.MUTB)
	}
	// baseLiqPrice = 1800*8000*prec/1/9000 = 1600*prec.
	if p.Base.LiqPrice.Cmp(px(1600)) != 0 {
		t.Fatalf("base liq price = %s, want 1600*prec", p.Base.LiqPrice)
	}
	// collateralLiqValue = (2000-1800)*9000/9000 = 200; price = 200/500.
	if p.Collateral.LiqPrice.Cmp(pxFrac(200, 500)) != 0 {
		t.Fatalf("collateral liq price = %s, want 0.4*prec", p.Collateral.LiqPrice)
	}
	// fee = 2000*1000*(365d)/(365d*10000) = 200; protocol share 20% = 40.
	if p.Fee.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("fee = %s, want 200", p.Fee)
	}
	if p.ProtocolFee.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("protocol fee = %s, want 40", p.ProtocolFee)
	}
}

func TestOpenValidationOrder(t *testing.T) {
	f := newFixture(t)

	bad := f.openParams()
	bad.Pool = common.HexToAddress("0xDEAD")
	if _, err := f.engine.Open(bad); !errors.Is(err, ErrWrongPool) {
		t.Fatalf("wrong pool err = %v", err)
	}

	bad = f.openParams()
	bad.BaseToken = usdc
	if _, err := f.engine.Open(bad); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("base==quote err = %v", err)
	}

	bad = f.openParams()
	bad.BaseToken = dai // not enabled on the pool
	if _, err := f.engine.Open(bad); !errors.Is(err, ErrUntradeableBaseToken) {
		t.Fatalf("untradeable err = %v", err)
	}

	bad = f.openParams()
	bad.CollateralAmount = big.NewInt(100) // below the 222 floor
	if _, err := f.engine.Open(bad); !errors.Is(err, ErrInsufficientInput) {
		t.Fatalf("low collateral err = %v", err)
	}

	bad = f.openParams()
	bad.QuoteAmount = big.NewInt(2300) // above the 2250 ceiling
	if _, err := f.engine.Open(bad); !errors.Is(err, ErrInsufficientInput) {
		t.Fatalf("high quote err = %v", err)
	}

	if err := f.registry.SetPoolMaxOpenInterest(managerAddr, usdc, big.NewInt(1000)); err != nil {
		t.Fatalf("shrink cap: %v", err)
	}
	if _, err := f.engine.Open(f.openParams()); !errors.Is(err, ErrExceedMaxOpenInterest) {
		t.Fatalf("open interest err = %v", err)
	}
}

func TestOpenMovesFundsAndIndexes(t *testing.T) {
	f := newFixture(t)

	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if p.Key == (common.Hash{}) {
		t.Fatal("position key not assigned")
	}
	// Trader delivered 1 WETH + 500 DAI and received the 2000 USDC loan.
	if got := f.ledger.BalanceOf(weth, trader); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("trader weth = %s, want 9", got)
	}
	if got := f.ledger.BalanceOf(dai, trader); got.Cmp(big.NewInt(9500)) != 0 {
		t.Fatalf("trader dai = %s, want 9500", got)
	}
	if got := f.ledger.BalanceOf(usdc, trader); got.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("trader usdc = %s, want 2000", got)
	}
	if got := f.pool.OpenInterest(); got.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("open interest = %s, want 2000", got)
	}

	if got := f.engine.PositionLength(); got != 1 {
		t.Fatalf("position length = %d, want 1", got)
	}
	if got := f.engine.PositionIndex(p.Key); got != 1 {
		t.Fatalf("position index = %d, want 1-based 1", got)
	}
	stored, err := f.engine.PositionAt(1)
	if err != nil || stored.Key != p.Key {
		t.Fatalf("position at 1 = %v (%v)", stored, err)
	}
	if opening := f.engine.OpeningPositions(); len(opening) != 1 || opening[0] != p.Key {
		t.Fatalf("opening set = %v", opening)
	}
	if keys := f.engine.PositionsOf(trader); len(keys) != 1 || keys[0] != p.Key {
		t.Fatalf("owner index = %v", keys)
	}
}

func TestCloseRejectsHealthyPosition(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.Close(lp, p.Key); !errors.Is(err, ErrNothingToClose) {
		t.Fatalf("close err = %v, want ErrNothingToClose", err)
	}
}

func TestCloseExpiredSettlement(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.now = p.Deadline // expiry
	closed, err := f.engine.Close(lp, p.Key)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Reason != ReasonExpired {
		t.Fatalf("reason = %s, want expired", closed.Reason)
	}
	if !closed.Reason.Status().Expired {
		t.Fatal("status flag expired not set")
	}
	if closed.Closer != lp {
		t.Fatalf("closer = %s, want the settling caller", closed.Closer.Hex())
	}

	// Base sold for 2000; debt 2000 + fee 200 leaves a 200 shortfall covered
	// by selling 200 DAI. 300 DAI return to the trader.
	if got := f.ledger.BalanceOf(dai, trader); got.Cmp(big.NewInt(9800)) != 0 {
		t.Fatalf("trader dai = %s, want 9800", got)
	}
	// Protocol keeps 20% of the 200 fee.
	if got := f.ledger.BalanceOf(usdc, feeSink); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("protocol fee = %s, want 40", got)
	}
	// The debt is fully repaid: reserve intact, nothing borrowed.
	if got := f.pool.OpenInterest(); got.Sign() != 0 {
		t.Fatalf("open interest = %s, want 0", got)
	}
	if got := f.pool.QuoteReserve(); got.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("reserve = %s, want 100000", got)
	}
	// LPs earned the remaining 160 of the fee.
	if fee, err := f.pool.CollectFee(lp, lp); err != nil || fee.Cmp(big.NewInt(160)) != 0 {
		t.Fatalf("lp fee = %s (%v), want 160", fee, err)
	}

	// Compare-and-set: a second close must fail.
	if _, err := f.engine.Close(lp, p.Key); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second close err = %v, want ErrAlreadyClosed", err)
	}
	if opening := f.engine.OpeningPositions(); len(opening) != 0 {
		t.Fatalf("opening set = %v, want empty", opening)
	}
}

func TestCloseStoplossTrigger(t *testing.T) {
	f := newFixture(t)
	open := f.openParams()
	open.StoplossPrice = px(1900)
	p, err := f.engine.Open(open)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.source.SetPrice(weth, usdc, px(1850))
	closed, err := f.engine.Close(lp, p.Key)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Reason != ReasonStoploss {
		t.Fatalf("reason = %s, want stoploss", closed.Reason)
	}
	if closed.Base.ClosePrice.Cmp(px(1850)) != 0 {
		t.Fatalf("close price = %s, want 1850*prec", closed.Base.ClosePrice)
	}
	// Sale nets 1850; shortfall 350 comes from collateral, 150 DAI return.
	if got := f.ledger.BalanceOf(dai, trader); got.Cmp(big.NewInt(9650)) != 0 {
		t.Fatalf("trader dai = %s, want 9650", got)
	}
}

func TestLiquidationOutranksStoploss(t *testing.T) {
	f := newFixture(t)
	open := f.openParams()
	open.StoplossPrice = px(1900)
	p, err := f.engine.Open(open)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// 1600 hits both the stoploss and the base liquidation price; the
	// liquidation wins.
	f.source.SetPrice(weth, usdc, px(1600))
	closed, err := f.engine.Close(lp, p.Key)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Reason != ReasonBaseLiquidated {
		t.Fatalf("reason = %s, want base-liquidated", closed.Reason)
	}
	if !closed.Reason.Status().BaseLiquidated {
		t.Fatal("status flag not set")
	}
	if closed.LiquidationMarkTime != closed.ClosedAt || closed.LiquidationMarkTime == 0 {
		t.Fatalf("liquidation mark time = %d, want the close timestamp", closed.LiquidationMarkTime)
	}
}

func TestTakeProfitTrigger(t *testing.T) {
	f := newFixture(t)
	open := f.openParams()
	open.TakeProfitPrice = px(2200)
	p, err := f.engine.Open(open)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.source.SetPrice(weth, usdc, px(2300))
	closed, err := f.engine.Close(lp, p.Key)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Reason != ReasonTakeProfit {
		t.Fatalf("reason = %s, want takeprofit", closed.Reason)
	}
	// Take-profit renders as the stoploss trigger flag.
	if !closed.Reason.Status().Stoploss {
		t.Fatal("takeprofit must render the trigger flag")
	}
	// Sale nets 2300: debt 2000 + fee 200 leaves 100 profit + all collateral.
	if got := f.ledger.BalanceOf(usdc, trader); got.Cmp(big.NewInt(2100)) != 0 {
		t.Fatalf("trader usdc = %s, want 2100", got)
	}
	if got := f.ledger.BalanceOf(dai, trader); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("trader dai = %s, want 10000", got)
	}
}

func TestManualCloseTwoStep(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := f.engine.ExecuteManualClose(trader, p.Key); !errors.Is(err, ErrManualNotAsked) {
		t.Fatalf("execute without ask err = %v", err)
	}
	if err := f.engine.AskManualClose(lp, p.Key); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ask by outsider err = %v", err)
	}
	if err := f.engine.AskManualClose(trader, p.Key); err != nil {
		t.Fatalf("ask: %v", err)
	}
	asked, err := f.engine.PositionByKey(p.Key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if s := asked.Status(); !s.ClosedManuallyStep1 || s.ClosedManuallyStep2 || s.Closed {
		t.Fatalf("status after ask = %+v, want only the first manual step", s)
	}
	if _, err := f.engine.ExecuteManualClose(trader, p.Key); !errors.Is(err, ErrManualCooldown) {
		t.Fatalf("early execute err = %v", err)
	}

	f.now += 86_400
	// Redemption needs debt 2000 + fee 200; the loan covers 2000.
	mustMint(t, f.ledger, usdc, trader, 200)
	closed, err := f.engine.ExecuteManualClose(trader, p.Key)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if closed.Reason != ReasonManual {
		t.Fatalf("reason = %s, want manual", closed.Reason)
	}
	if s := closed.Status(); !s.ClosedManuallyStep1 || !s.ClosedManuallyStep2 || !s.Closed {
		t.Fatalf("status after execute = %+v, want both manual steps", s)
	}
	if closed.Closer != trader {
		t.Fatalf("closer = %s, want the owner", closed.Closer.Hex())
	}
	// Both legs return.
	if got := f.ledger.BalanceOf(weth, trader); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("trader weth = %s, want 10", got)
	}
	if got := f.ledger.BalanceOf(dai, trader); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("trader dai = %s, want 10000", got)
	}
	if got := f.pool.OpenInterest(); got.Sign() != 0 {
		t.Fatalf("open interest = %s, want 0", got)
	}
}

func TestManualCloseExcludesOtherSettlement(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.engine.AskManualClose(trader, p.Key); err != nil {
		t.Fatalf("ask: %v", err)
	}
	f.now += 86_400

	// The trader only holds the 2000 loan but redemption needs 2200: the
	// attempt must fail without closing the position or moving funds.
	if _, err := f.engine.ExecuteManualClose(trader, p.Key); !errors.Is(err, ErrInsufficientInput) {
		t.Fatalf("underfunded execute err = %v, want ErrInsufficientInput", err)
	}
	got, err := f.engine.PositionByKey(p.Key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Closed() {
		t.Fatal("failed redeem must leave the position open")
	}
	if bal := f.ledger.BalanceOf(usdc, trader); bal.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("trader usdc = %s, want untouched 2000", bal)
	}

	mustMint(t, f.ledger, usdc, trader, 200)
	if _, err := f.engine.ExecuteManualClose(trader, p.Key); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// A settlement racing the finished manual close must lose cleanly
	// without paying out a second time.
	f.now = p.Deadline
	wethBefore := f.ledger.BalanceOf(weth, trader)
	reserveBefore := f.pool.QuoteReserve()
	if _, err := f.engine.Close(lp, p.Key); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("racing close err = %v, want ErrAlreadyClosed", err)
	}
	if _, err := f.engine.Rollback(managerAddr, p.Key); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("racing rollback err = %v, want ErrAlreadyClosed", err)
	}
	if bal := f.ledger.BalanceOf(weth, trader); bal.Cmp(wethBefore) != 0 {
		t.Fatalf("trader weth moved from %s to %s after losing close", wethBefore, bal)
	}
	if got := f.pool.QuoteReserve(); got.Cmp(reserveBefore) != 0 {
		t.Fatalf("reserve moved from %s to %s after losing close", reserveBefore, got)
	}
}

func TestRollbackIsGovernanceOnly(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.SetRollbackFee(managerAddr, big.NewInt(50)); err != nil {
		t.Fatalf("set rollback fee: %v", err)
	}
	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := f.engine.Rollback(trader, p.Key); !errors.Is(err, ErrForbidden) {
		t.Fatalf("trader rollback err = %v", err)
	}
	mustMint(t, f.ledger, usdc, trader, 250) // fee 200 + rollback 50
	closed, err := f.engine.Rollback(managerAddr, p.Key)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if closed.Reason != ReasonRollback {
		t.Fatalf("reason = %s, want rollback", closed.Reason)
	}
	if !closed.Reason.Status().Rollbacked {
		t.Fatal("rollback flag not set")
	}
	if closed.Closer != managerAddr {
		t.Fatalf("closer = %s, want the governance caller", closed.Closer.Hex())
	}
	if got := f.ledger.BalanceOf(usdc, liqSink); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("rollback fee sink = %s, want 50", got)
	}
	if got := f.ledger.BalanceOf(weth, trader); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("trader weth = %s, want legs returned", got)
	}
}

func TestUpdateOperations(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.SetServiceFee(managerAddr, srv, serviceSink); err != nil {
		t.Fatalf("set service fee: %v", err)
	}
	if err := f.registry.SetUpdateFees(managerAddr, big.NewInt(5), big.NewInt(7), big.NewInt(9)); err != nil {
		t.Fatalf("set update fees: %v", err)
	}
	mustMint(t, f.ledger, srv, trader, 100)

	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.engine.UpdateStoplossPrice(lp, p.Key, px(1900)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider update err = %v", err)
	}
	if err := f.engine.UpdateStoplossPrice(trader, p.Key, px(1900)); err != nil {
		t.Fatalf("update stoploss: %v", err)
	}
	got, err := f.engine.PositionByKey(p.Key)
	if err != nil || got.StoplossPrice.Cmp(px(1900)) != 0 {
		t.Fatalf("stoploss = %s (%v)", got.StoplossPrice, err)
	}
	if bal := f.ledger.BalanceOf(srv, serviceSink); bal.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("service fee = %s, want 5", bal)
	}

	// Doubling collateral halves the collateral liquidation price.
	if err := f.engine.AddCollateral(trader, p.Key, big.NewInt(500)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	got, _ = f.engine.PositionByKey(p.Key)
	if got.Collateral.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("collateral = %s, want 1000", got.Collateral.Amount)
	}
	if got.Collateral.LiqPrice.Cmp(pxFrac(200, 1000)) != 0 {
		t.Fatalf("collateral liq price = %s, want 0.2*prec", got.Collateral.LiqPrice)
	}

	// Extending to two years doubles the funding fee.
	if err := f.engine.UpdateDeadline(trader, p.Key, p.OpenedAt+2*365*86_400); err != nil {
		t.Fatalf("update deadline: %v", err)
	}
	got, _ = f.engine.PositionByKey(p.Key)
	if got.Fee.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("fee = %s, want 400", got.Fee)
	}
	if err := f.engine.UpdateDeadline(trader, p.Key, got.Deadline-1); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("shrink deadline err = %v", err)
	}
	if bal := f.ledger.BalanceOf(srv, serviceSink); bal.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("service fees = %s, want 5+7+9", bal)
	}
}

func TestMembershipDiscountsCloseFee(t *testing.T) {
	f := newFixture(t)
	// Level 4 keeps half the fee.
	if err := f.users.UpdateMembership(managerAddr, []common.Address{trader}, []uint64{4}); err != nil {
		t.Fatalf("update membership: %v", err)
	}
	p, err := f.engine.Open(f.openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.now = p.Deadline
	if _, err := f.engine.Close(lp, p.Key); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Fee halves to 100: shortfall shrinks to 100, so 400 DAI return.
	if got := f.ledger.BalanceOf(dai, trader); got.Cmp(big.NewInt(9900)) != 0 {
		t.Fatalf("trader dai = %s, want 9900", got)
	}
	if got := f.ledger.BalanceOf(usdc, feeSink); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("protocol fee = %s, want 20", got)
	}
}
