package pnl

import (
	"context"
	"errors"
	"fmt"

	"PositionLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// displayPlaces bounds the scale of divisions. Results are display-only.
const displayPlaces = 18

var (
	ErrZeroEntryPrice = errors.New("entry price is zero")
	ErrNoMarkPrice    = errors.New("no mark price")
)

var hundred = decimal.NewFromInt(100)

// Result is the unrealized profit of a position at a mark price.
// PnL is in the position's size units; PnLPercent is relative to collateral.
type Result struct {
	PnL        decimal.Decimal
	PnLPercent decimal.Decimal
}

// Compute evaluates
//
//	pnl        = size * (mark - entry) / entry   (negated for shorts)
//	pnlPercent = pnl / collateral * 100
//
// Every fixed-point input is converted with its own exponent first.
// Zero collateral yields a zero percentage.
func Compute(p ledger.Position, mark decimal.Decimal) (Result, error) {
	entry := p.EntryPrice.Decimal()
	if entry.IsZero() {
		return Result{}, fmt.Errorf("position %d: %w", p.ID, ErrZeroEntryPrice)
	}

	diff := mark.Sub(entry)
	if !p.IsLong() {
		diff = diff.Neg()
	}
	pnl := p.Size.Decimal().Mul(diff).DivRound(entry, displayPlaces)

	res := Result{PnL: pnl, PnLPercent: decimal.Zero}
	if collateral := p.Collateral.Decimal(); !collateral.IsZero() {
		res.PnLPercent = pnl.Mul(hundred).DivRound(collateral, displayPlaces)
	}
	return res, nil
}

// MarkPriceSource supplies current mark prices. Implementations return an
// error wrapping ErrNoMarkPrice for unknown assets.
type MarkPriceSource interface {
	MarkPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Calculator computes PnL against a live price source.
type Calculator struct {
	Prices MarkPriceSource
}

func NewCalculator(prices MarkPriceSource) *Calculator {
	return &Calculator{Prices: prices}
}

// ForPosition looks up the asset's mark price and computes PnL.
func (c *Calculator) ForPosition(ctx context.Context, p ledger.Position) (Result, decimal.Decimal, error) {
	if c == nil || c.Prices == nil {
		return Result{}, decimal.Zero, fmt.Errorf("asset %s: %w", p.Asset, ErrNoMarkPrice)
	}
	mark, err := c.Prices.MarkPrice(ctx, p.Asset)
	if err != nil {
		return Result{}, decimal.Zero, err
	}
	res, err := Compute(p, mark)
	return res, mark, err
}
