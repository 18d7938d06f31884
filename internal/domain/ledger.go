package domain

import "time"

// LedgerEntry is the immutable record appended when a position closes.
// Entries are never mutated after write; together they form an audit trail
// independent of the mutable position snapshot.
type LedgerEntry struct {
	ID          int64
	Symbol      string
	Side        Side
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Fees        float64
	RealizedPNL float64
	CloseReason CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// NewLedgerEntry derives the ledger record for a position that has reached
// its terminal fill.
func NewLedgerEntry(p *Position) LedgerEntry {
	return LedgerEntry{
		Symbol:      p.Symbol,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.Quantity,
		Fees:        p.Fees,
		RealizedPNL: p.PNL,
		CloseReason: p.CloseReason,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
	}
}
