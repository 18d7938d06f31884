package domain

// SignalAction is what the signal source wants done for a symbol.
type SignalAction string

const (
	SignalHold  SignalAction = "HOLD"
	SignalEnter SignalAction = "ENTER"
	SignalExit  SignalAction = "EXIT"
)

// Signal is one evaluation-cycle decision from the strategy for one symbol.
type Signal struct {
	Symbol string
	Action SignalAction
	Side   Side   // direction for ENTER
	Reason string // short human-readable trigger description
}
