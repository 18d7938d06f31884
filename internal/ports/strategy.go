package ports

import (
	"context"

	"bracketbot/internal/domain"
)

// Strategy is the signal source: pure arithmetic over a price history.
// The engine treats it as an external collaborator and never lets it touch
// exchange or store state.
type Strategy interface {
	// RequiredDataPoints returns the minimum number of klines the strategy
	// needs before it can produce a signal.
	RequiredDataPoints() int

	// Evaluate returns the strategy's decision for one symbol given its
	// recent price window and current price.
	Evaluate(ctx context.Context, symbol string, klines []*domain.Kline, currentPrice float64) domain.Signal
}
