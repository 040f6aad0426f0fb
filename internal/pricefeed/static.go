package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"PositionLedger/internal/pnl"

	"github.com/shopspring/decimal"
)

// Static serves prices from memory. Used when no feed is configured and in tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for asset, p := range prices {
		s.prices[strings.ToUpper(asset)] = p
	}
	return s
}

func (s *Static) Set(asset string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[strings.ToUpper(asset)] = price
	s.mu.Unlock()
}

func (s *Static) MarkPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	p, ok := s.prices[strings.ToUpper(asset)]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("asset %s: %w", asset, pnl.ErrNoMarkPrice)
	}
	return p, nil
}
