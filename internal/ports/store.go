package ports

import (
	"context"
	"time"

	"bracketbot/internal/domain"
)

// PositionStore is the durable snapshot of positions, keyed by symbol.
// It is the sole authority for "what we last knew": in-memory copies are
// caches rehydrated from here and invalidated on every successful write.
type PositionStore interface {
	// Create persists a new position and returns its assigned ID.
	// At most one non-terminal position may exist per symbol; a second
	// insert for the same symbol fails with ErrDuplicateEntry.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update persists the current state of an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpenBySymbol retrieves the non-terminal position for a symbol.
	// Returns nil, nil if there is none.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// FindOpen retrieves every non-terminal position.
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// Settle atomically marks the position terminal and appends its ledger
	// entry in one transaction.
	Settle(ctx context.Context, pos *domain.Position, entry domain.LedgerEntry) error
}

// LedgerStore is the append-only record of closed trades. Entries are
// immutable once written.
type LedgerStore interface {
	// Append writes a new ledger entry and returns its assigned ID.
	Append(ctx context.Context, entry domain.LedgerEntry) (int64, error)
	// Recent retrieves the most recent entries, newest first, up to limit.
	Recent(ctx context.Context, limit int) ([]*domain.LedgerEntry, error)
	// RealizedPNLSince sums realized P&L for trades closed at or after t.
	RealizedPNLSince(ctx context.Context, t time.Time) (float64, error)
}
