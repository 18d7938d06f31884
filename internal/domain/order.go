package domain

import "fmt"

// OrderIntent tags what role an order plays in a position's lifecycle.
type OrderIntent string

const (
	IntentEntry      OrderIntent = "entry"
	IntentStop       OrderIntent = "stop"
	IntentTakeProfit OrderIntent = "take_profit"
	IntentClose      OrderIntent = "close"
)

// OrderStatus is the closed set of order states the engine reasons about.
// Raw exchange statuses must pass through ParseOrderStatus; anything the
// mapping does not recognise is an error, never a silent default.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// ParseOrderStatus translates a raw exchange status string into the closed
// OrderStatus enumeration.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch raw {
	case "NEW":
		return OrderStatusNew, nil
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled, nil
	case "FILLED":
		return OrderStatusFilled, nil
	case "CANCELED":
		return OrderStatusCanceled, nil
	case "REJECTED":
		return OrderStatusRejected, nil
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return OrderStatusExpired, nil
	default:
		return "", fmt.Errorf("unrecognised exchange order status %q", raw)
	}
}

// Terminal reports whether the order can no longer change on the exchange.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Active reports whether the order is still working on the exchange.
func (s OrderStatus) Active() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// OrderRef is the engine's durable handle on one exchange order.
// The IdempotencyKey is assigned locally before submission so that a crash
// between submit and confirm can be resolved by querying the exchange for
// the key instead of resubmitting blindly.
type OrderRef struct {
	ExchangeID     int64
	IdempotencyKey string
	Intent         OrderIntent
	Status         OrderStatus
	RetryCount     int
}

// Placed reports whether a submission for this reference was ever attempted.
func (r OrderRef) Placed() bool {
	return r.ExchangeID != 0 || r.IdempotencyKey != ""
}
