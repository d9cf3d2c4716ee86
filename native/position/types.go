package position

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CloseReason records why a position left the book. A freshly opened position
// carries ReasonNone; settlement sets the reason exactly once.
type CloseReason uint8

const (
	ReasonNone CloseReason = iota
	ReasonExpired
	ReasonStoploss
	ReasonTakeProfit
	ReasonBaseLiquidated
	ReasonCollateralLiquidated
	ReasonManual
	ReasonRollback
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "open"
	case ReasonExpired:
		return "expired"
	case ReasonStoploss:
		return "stoploss"
	case ReasonTakeProfit:
		return "takeprofit"
	case ReasonBaseLiquidated:
		return "base-liquidated"
	case ReasonCollateralLiquidated:
		return "collateral-liquidated"
	case ReasonManual:
		return "manual"
	case ReasonRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Status is the flag-set view of a close reason, kept for API consumers that
// expect booleans instead of the variant.
type Status struct {
	Closed               bool `json:"closed"`
	Expired              bool `json:"expired"`
	Stoploss             bool `json:"stoploss"`
	BaseLiquidated       bool `json:"baseLiquidated"`
	CollateralLiquidated bool `json:"collateralLiquidated"`
	ClosedManuallyStep1  bool `json:"closedManuallyStep1"`
	ClosedManuallyStep2  bool `json:"closedManuallyStep2"`
	Rollbacked           bool `json:"rollbacked"`
}

// Status derives the boolean flags from the reason. Take-profit closes render
// as stoploss, matching the single trigger flag the wire format carries.
func (r CloseReason) Status() Status {
	s := Status{Closed: r != ReasonNone}
	switch r {
	case ReasonExpired:
		s.Expired = true
	case ReasonStoploss, ReasonTakeProfit:
		s.Stoploss = true
	case ReasonBaseLiquidated:
		s.BaseLiquidated = true
	case ReasonCollateralLiquidated:
		s.CollateralLiquidated = true
	case ReasonManual:
		s.ClosedManuallyStep2 = true
	case ReasonRollback:
		s.Rollbacked = true
	}
	return s
}

// TokenLeg is one asset held inside a position. Prices are quote-token values
// at the protocol price precision.
type TokenLeg struct {
	ID         common.Address `json:"id"`
	Amount     *big.Int       `json:"amount"`
	EntryPrice *big.Int       `json:"entryPrice"`
	LiqPrice   *big.Int       `json:"liqPrice"`
	ClosePrice *big.Int       `json:"closePrice"`
}

func (l TokenLeg) clone() TokenLeg {
	out := TokenLeg{ID: l.ID}
	cp := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	}
	out.Amount = cp(l.Amount)
	out.EntryPrice = cp(l.EntryPrice)
	out.LiqPrice = cp(l.LiqPrice)
	out.ClosePrice = cp(l.ClosePrice)
	return out
}

// Position is one margin trade: a base leg bought on borrowed quote, margined
// by a collateral leg. QuoteAmount is the outstanding debt to the pool; MUTB
// is the slice of that debt the base leg itself secures.
type Position struct {
	Key        common.Hash    `json:"key"`
	Owner      common.Address `json:"owner"`
	Pool       common.Address `json:"pool"`
	QuoteToken common.Address `json:"quoteToken"`

	Base       TokenLeg `json:"baseToken"`
	Collateral TokenLeg `json:"collateralToken"`

	QuoteAmount *big.Int `json:"quoteAmount"`
	MUTB        *big.Int `json:"mutb"`

	StoplossPrice   *big.Int `json:"stoplossPrice"`
	TakeProfitPrice *big.Int `json:"takeProfitPrice"`

	OpenedAt int64 `json:"openedAt"`
	Deadline int64 `json:"deadline"`

	Fee         *big.Int `json:"fee"`
	ProtocolFee *big.Int `json:"protocolFee"`

	Reason              CloseReason    `json:"reason"`
	Closer              common.Address `json:"closer"`
	ClosedAt            int64          `json:"closedAt"`
	ManualAskedAt       int64          `json:"manualAskedAt"`
	LiquidationMarkTime int64          `json:"liquidationMarkTime"`
}

func (p *Position) clone() *Position {
	out := *p
	out.Base = p.Base.clone()
	out.Collateral = p.Collateral.clone()
	cp := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	}
	out.QuoteAmount = cp(p.QuoteAmount)
	out.MUTB = cp(p.MUTB)
	out.StoplossPrice = cp(p.StoplossPrice)
	out.TakeProfitPrice = cp(p.TakeProfitPrice)
	out.Fee = cp(p.Fee)
	out.ProtocolFee = cp(p.ProtocolFee)
	return &out
}

// Closed reports whether settlement already happened.
func (p *Position) Closed() bool {
	return p.Reason != ReasonNone
}

// Status renders the flag-set view, including the in-flight manual-close
// marker which lives on the position rather than on the reason.
func (p *Position) Status() Status {
	s := p.Reason.Status()
	if p.ManualAskedAt > 0 {
		s.ClosedManuallyStep1 = true
	}
	return s
}
