package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the order side that offsets this one.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Side is the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// EntryOrderSide returns the order side that opens a position in this direction.
func (s Side) EntryOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// ExitOrderSide returns the order side that closes a position in this direction.
func (s Side) ExitOrderSide() OrderSide {
	return s.EntryOrderSide().Opposite()
}

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss        CloseReason = "SL"
	CloseReasonTakeProfit      CloseReason = "TP"
	CloseReasonTrailingStop    CloseReason = "TRAILING_SL"
	CloseReasonSignal          CloseReason = "SIGNAL"
	CloseReasonRiskLiquidation CloseReason = "RISK_LIQUIDATION"
	CloseReasonOperator        CloseReason = "OPERATOR"
	CloseReasonUnprotected     CloseReason = "UNPROTECTED" // forced close after bracket could not be established
	CloseReasonUnknown         CloseReason = "UNKNOWN"
)
