package domain

import (
	"fmt"
	"time"
)

// PositionStatus represents where a position is in its lifecycle.
// The absence of a row for a symbol is the idle state.
type PositionStatus string

const (
	StatusEntryPending PositionStatus = "ENTRY_PENDING"
	StatusOpen         PositionStatus = "OPEN"
	StatusTrailing     PositionStatus = "TRAILING"
	StatusClosing      PositionStatus = "CLOSING"
	StatusClosed       PositionStatus = "CLOSED"
	StatusCanceled     PositionStatus = "CANCELED"
	StatusFailed       PositionStatus = "FAILED"
)

// transitions encodes the allowed forward edges of the lifecycle.
// Status only ever advances; there is no way back to an earlier state.
var transitions = map[PositionStatus][]PositionStatus{
	StatusEntryPending: {StatusOpen, StatusClosing, StatusCanceled, StatusFailed},
	StatusOpen:         {StatusTrailing, StatusClosing, StatusFailed},
	StatusTrailing:     {StatusClosing, StatusFailed},
	StatusClosing:      {StatusClosed, StatusFailed},
}

// Terminal reports whether the status is an end state.
func (s PositionStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// CanAdvanceTo reports whether next is a legal successor of s.
func (s PositionStatus) CanAdvanceTo(next PositionStatus) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Position is a trading position driven through its lifecycle by the
// execution engine, which is its exclusive mutator.
type Position struct {
	ID         int64
	Symbol     string
	Side       Side
	EntryPrice float64
	ExitPrice  float64 // 0 while open
	Quantity   float64
	StopPrice  float64
	TakeProfit float64

	// Trailing-stop sub-state. TrailDistance and HighWaterMark are only
	// meaningful once TrailingActive is set.
	TrailingActive bool
	TrailDistance  float64
	HighWaterMark  float64

	OpenedAt time.Time
	ClosedAt time.Time // zero while open

	Status      PositionStatus
	CloseReason CloseReason
	Fees        float64
	PNL         float64 // realized, set on close

	EntryOrder      OrderRef
	StopOrder       OrderRef
	TakeProfitOrder OrderRef
	CloseOrder      OrderRef // market order issued on the liquidation path
}

// IsOpen reports whether the position still represents live exposure.
func (p *Position) IsOpen() bool {
	return !p.Status.Terminal()
}

// Advance moves the position to the next lifecycle status, enforcing the
// monotonic transition table.
func (p *Position) Advance(next PositionStatus) error {
	if !p.Status.CanAdvanceTo(next) {
		return fmt.Errorf("illegal position transition %s -> %s for %s", p.Status, next, p.Symbol)
	}
	p.Status = next
	return nil
}

// UnrealizedPNL returns the mark-to-market profit at the given price,
// before fees.
func (p *Position) UnrealizedPNL(price float64) float64 {
	if p.Side == Short {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// ProfitFraction returns the unrealized gain as a fraction of entry price,
// positive when the position is in profit. Used for trailing activation.
func (p *Position) ProfitFraction(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == Short {
		return (p.EntryPrice - price) / p.EntryPrice
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// StopImproves reports whether candidate is strictly more favorable than the
// current stop price. A trailing stop only tightens toward profit.
func (p *Position) StopImproves(candidate float64) bool {
	if p.Side == Short {
		return candidate < p.StopPrice
	}
	return candidate > p.StopPrice
}

// Protected reports whether both protective legs are working on the exchange.
func (p *Position) Protected() bool {
	return p.StopOrder.Status.Active() && p.TakeProfitOrder.Status.Active()
}
