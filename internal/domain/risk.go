package domain

import "time"

// AccountSnapshot is the per-cycle view of the account. It is refreshed
// every evaluation cycle and never persisted.
type AccountSnapshot struct {
	FreeBalance   float64
	Equity        float64
	UnrealizedPNL float64
	Taken         time.Time
}

// VetoCode classifies why the risk manager rejected a proposed entry.
type VetoCode string

const (
	VetoMaxPositions VetoCode = "MAX_POSITIONS"
	VetoDrawdown     VetoCode = "DRAWDOWN"
	VetoStaleData    VetoCode = "STALE_DATA"
	VetoClockSkew    VetoCode = "CLOCK_SKEW"
)

// RiskState is the portfolio-level health view, derived from the ledger and
// the open position set.
type RiskState struct {
	OpenPositions int
	Equity        float64
	HighWaterMark float64
	Drawdown      float64 // peak-to-current equity decline, as a fraction
	Paused        bool    // new entries halted for drawdown
	DataFresh     bool
	ClockInSync   bool
}
