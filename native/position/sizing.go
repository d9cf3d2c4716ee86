package position

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	bpsDenominator = 10_000
	secondsPerYear = 365 * 86_400
)

// value converts a token amount to its quote value at the given price.
func value(amount, price, precision *big.Int) *big.Int {
	v := new(big.Int).Mul(amount, price)
	return v.Quo(v, precision)
}

// GetMinCollateralAmount returns the smallest collateral amount that lets
// baseAmount of baseToken open against quoteToken. The base leg covers its
// max-usage share of the debt; collateral must cover the gap up to the
// over-collateralization floor, priced at the feed's low price.
func (e *Engine) GetMinCollateralAmount(baseToken common.Address, baseAmount *big.Int, collateralToken, quoteToken common.Address) (*big.Int, error) {
	if baseToken == quoteToken {
		return nil, ErrInvalidParameters
	}
	if baseAmount == nil || baseAmount.Sign() <= 0 {
		return nil, ErrInvalidParameters
	}
	baseRisk, ok := e.registry.BaseTokenRiskOf(baseToken)
	if !ok {
		return nil, ErrUntradeableBaseToken
	}
	collateralRisk, ok := e.registry.CollateralRiskOf(collateralToken)
	if !ok || collateralRisk.MaxUsage == 0 {
		return nil, ErrInvalidParameters
	}

	minQuoteRate := e.registry.MinQuoteRate()
	if minQuoteRate <= baseRisk.MaxUsage {
		return big.NewInt(0), nil
	}

	basePrice, err := e.feed.GetLowestPrice(baseToken, quoteToken)
	if err != nil {
		return nil, err
	}
	baseValue := value(baseAmount, basePrice, e.precision)

	minCollateralValue := new(big.Int).Mul(baseValue, new(big.Int).SetUint64(minQuoteRate-baseRisk.MaxUsage))
	minCollateralValue.Quo(minCollateralValue, new(big.Int).SetUint64(collateralRisk.MaxUsage))

	collateralPrice, err := e.feed.GetLowestPrice(collateralToken, quoteToken)
	if err != nil {
		return nil, err
	}
	if collateralPrice.Sign() == 0 {
		return nil, ErrInvalidParameters
	}
	amount := new(big.Int).Mul(minCollateralValue, e.precision)
	amount.Quo(amount, collateralPrice)
	return amount, nil
}

// GetQuoteAmountRange returns the borrowable [min, max] for the given legs.
// The floor enforces over-collateralization of the base value; the ceiling is
// what the two legs can secure at their max-usage rates. Collateral below the
// minimum for this base leg fails closed to [0, 0].
func (e *Engine) GetQuoteAmountRange(baseToken common.Address, baseAmount *big.Int, collateralToken common.Address, collateralAmount *big.Int, quoteToken common.Address) (*big.Int, *big.Int, error) {
	if baseToken == quoteToken {
		return nil, nil, ErrInvalidParameters
	}
	if baseAmount == nil || baseAmount.Sign() <= 0 {
		return nil, nil, ErrInvalidParameters
	}
	baseRisk, ok := e.registry.BaseTokenRiskOf(baseToken)
	if !ok {
		return nil, nil, ErrUntradeableBaseToken
	}
	collateralRisk, ok := e.registry.CollateralRiskOf(collateralToken)
	if !ok {
		return nil, nil, ErrInvalidParameters
	}

	minCollateral, err := e.GetMinCollateralAmount(baseToken, baseAmount, collateralToken, quoteToken)
	if err != nil {
		return nil, nil, err
	}
	supplied := big.NewInt(0)
	if collateralAmount != nil {
		supplied = collateralAmount
	}
	if supplied.Cmp(minCollateral) < 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}

	basePrice, err := e.feed.GetLowestPrice(baseToken, quoteToken)
	if err != nil {
		return nil, nil, err
	}
	baseValue := value(baseAmount, basePrice, e.precision)

	minQuote := new(big.Int).Mul(baseValue, new(big.Int).SetUint64(e.registry.MinQuoteRate()))
	minQuote.Quo(minQuote, big.NewInt(bpsDenominator))

	maxQuote := new(big.Int).Mul(baseValue, new(big.Int).SetUint64(baseRisk.MaxUsage))
	maxQuote.Quo(maxQuote, big.NewInt(bpsDenominator))
	if collateralAmount != nil && collateralAmount.Sign() > 0 {
		collateralPrice, err := e.feed.GetLowestPrice(collateralToken, quoteToken)
		if err != nil {
			return nil, nil, err
		}
		collateralValue := value(collateralAmount, collateralPrice, e.precision)
		part := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(collateralRisk.MaxUsage))
		part.Quo(part, big.NewInt(bpsDenominator))
		maxQuote.Add(maxQuote, part)
	}
	return minQuote, maxQuote, nil
}

// PreviewTradePosition sizes and validates a prospective position without
// touching any state. It fails closed: any bound violation returns a nil
// position and nil pool.
func (e *Engine) PreviewTradePosition(params OpenParams) (*Position, error) {
	p, _, err := e.preview(params)
	return p, err
}

func (e *Engine) preview(params OpenParams) (*Position, poolRef, error) {
	pl, err := e.registry.PoolByQuoteToken(params.QuoteToken)
	if err != nil {
		return nil, nil, ErrWrongPool
	}
	if params.Pool != (common.Address{}) && params.Pool != pl.Addr() {
		return nil, nil, ErrWrongPool
	}
	if params.BaseToken == params.QuoteToken {
		return nil, nil, ErrInvalidParameters
	}
	if !pl.TradeableBaseToken(params.BaseToken) {
		return nil, nil, ErrUntradeableBaseToken
	}
	baseRisk, ok := e.registry.BaseTokenRiskOf(params.BaseToken)
	if !ok {
		return nil, nil, ErrUntradeableBaseToken
	}
	collateralRisk, ok := e.registry.CollateralRiskOf(params.CollateralToken)
	if !ok || collateralRisk.MaxUsage == 0 {
		return nil, nil, ErrInvalidParameters
	}
	now := e.now()
	if params.Deadline <= now {
		return nil, nil, ErrInvalidParameters
	}

	minCollateral, err := e.GetMinCollateralAmount(params.BaseToken, params.BaseAmount, params.CollateralToken, params.QuoteToken)
	if err != nil {
		return nil, nil, err
	}
	if params.CollateralAmount == nil || params.CollateralAmount.Cmp(minCollateral) < 0 {
		return nil, nil, ErrInsufficientInput
	}
	minQuote, maxQuote, err := e.GetQuoteAmountRange(params.BaseToken, params.BaseAmount, params.CollateralToken, params.CollateralAmount, params.QuoteToken)
	if err != nil {
		return nil, nil, err
	}
	if params.QuoteAmount == nil || params.QuoteAmount.Cmp(minQuote) < 0 || params.QuoteAmount.Cmp(maxQuote) > 0 {
		return nil, nil, ErrInsufficientInput
	}

	basePrice, err := e.feed.GetLowestPrice(params.BaseToken, params.QuoteToken)
	if err != nil {
		return nil, nil, err
	}
	collateralPrice, err := e.feed.GetLowestPrice(params.CollateralToken, params.QuoteToken)
	if err != nil {
		return nil, nil, err
	}
	if params.StoplossPrice != nil && params.StoplossPrice.Sign() > 0 && params.StoplossPrice.Cmp(basePrice) >= 0 {
		return nil, nil, ErrInvalidParameters
	}
	if params.TakeProfitPrice != nil && params.TakeProfitPrice.Sign() > 0 && params.TakeProfitPrice.Cmp(basePrice) <= 0 {
		return nil, nil, ErrInvalidParameters
	}

	baseValue := value(params.BaseAmount, basePrice, e.precision)
	mutb := new(big.Int).Mul(baseValue, new(big.Int).SetUint64(baseRisk.MaxUsage))
	mutb.Quo(mutb, big.NewInt(bpsDenominator))
	// The base leg can only ever secure the debt that exists.
	effMutb := new(big.Int).Set(mutb)
	if effMutb.Cmp(params.QuoteAmount) > 0 {
		effMutb = new(big.Int).Set(params.QuoteAmount)
	}

	baseLiqPrice := new(big.Int).Mul(effMutb, new(big.Int).SetUint64(baseRisk.LiqThreshold))
	baseLiqPrice.Mul(baseLiqPrice, e.precision)
	baseLiqPrice.Quo(baseLiqPrice, params.BaseAmount)
	baseLiqPrice.Quo(baseLiqPrice, new(big.Int).SetUint64(baseRisk.MaxUsage))

	collateralLiqPrice := big.NewInt(0)
	if params.CollateralAmount.Sign() > 0 {
		liqValue := new(big.Int).Sub(params.QuoteAmount, effMutb)
		if liqValue.Sign() > 0 {
			liqValue.Mul(liqValue, new(big.Int).SetUint64(collateralRisk.LiqThreshold))
			liqValue.Quo(liqValue, new(big.Int).SetUint64(collateralRisk.MaxUsage))
			collateralLiqPrice = new(big.Int).Mul(liqValue, e.precision)
			collateralLiqPrice.Quo(collateralLiqPrice, params.CollateralAmount)
		}
	}

	duration := params.Deadline - now
	fee := new(big.Int).Mul(params.QuoteAmount, new(big.Int).SetUint64(pl.Interest()))
	fee.Mul(fee, big.NewInt(duration))
	fee.Quo(fee, big.NewInt(secondsPerYear*bpsDenominator))
	protocolFeeRate, _ := e.registry.ProtocolFee()
	protocolFee := new(big.Int).Mul(fee, new(big.Int).SetUint64(protocolFeeRate))
	protocolFee.Quo(protocolFee, big.NewInt(bpsDenominator))

	zeroIfNil := func(v *big.Int) *big.Int {
		if v == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(v)
	}
	p := &Position{
		Owner:      params.Owner,
		Pool:       pl.Addr(),
		QuoteToken: params.QuoteToken,
		Base: TokenLeg{
			ID:         params.BaseToken,
			Amount:     new(big.Int).Set(params.BaseAmount),
			EntryPrice: basePrice,
			LiqPrice:   baseLiqPrice,
		},
		Collateral: TokenLeg{
			ID:         params.CollateralToken,
			Amount:     new(big.Int).Set(params.CollateralAmount),
			EntryPrice: collateralPrice,
			LiqPrice:   collateralLiqPrice,
		},
		QuoteAmount:     new(big.Int).Set(params.QuoteAmount),
		MUTB:            effMutb,
		StoplossPrice:   zeroIfNil(params.StoplossPrice),
		TakeProfitPrice: zeroIfNil(params.TakeProfitPrice),
		OpenedAt:        now,
		Deadline:        params.Deadline,
		Fee:             fee,
		ProtocolFee:     protocolFee,
	}
	return p, pl, nil
}
