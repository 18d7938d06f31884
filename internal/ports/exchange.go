package ports

import (
	"context"
	"time"

	"bracketbot/internal/domain"
)

// OrderResponse represents the essential details returned after an order
// operation. Status has already passed through the closed translation layer.
type OrderResponse struct {
	OrderID        int64
	Symbol         string
	IdempotencyKey string // client order ID echoed back by the exchange
	Price          float64
	AvgPrice       float64
	OrigQuantity   float64
	ExecutedQty    float64
	Status         domain.OrderStatus
	Side           domain.OrderSide
	Timestamp      time.Time
}

// BracketRefs identifies the two protective legs of a bracket.
type BracketRefs struct {
	Stop       *OrderResponse
	TakeProfit *OrderResponse
}

// ExchangeClient is the authenticated gateway to the exchange. Every
// order-mutating call takes a caller-assigned idempotency key and must be
// safe to retry with the same key.
type ExchangeClient interface {
	// GetKlines retrieves the most recent candlesticks for a symbol.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)

	// GetTickerPrice retrieves the last traded price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetAccountSnapshot retrieves the current balance/equity view.
	GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error)

	// GetServerTime retrieves the exchange's clock, for skew checks.
	GetServerTime(ctx context.Context) (time.Time, error)

	// PlaceMarketOrder submits a market order tagged with the idempotency key.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, idempotencyKey string) (*OrderResponse, error)

	// PlaceStopOrder submits a single stop-market order. Used when the
	// trailing logic replaces the stop leg of an existing bracket.
	PlaceStopOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, idempotencyKey string) (*OrderResponse, error)

	// PlaceBracket submits the protective stop-loss and take-profit pair for
	// an open position. The call is all-or-nothing: if the second leg cannot
	// be placed the first is canceled before the error is returned.
	PlaceBracket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice, takeProfitPrice string, stopKey, tpKey string) (*BracketRefs, error)

	// CancelOrder cancels an open order by exchange ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// GetOrderStatus queries current order state by exchange ID, falling back
	// to the idempotency key when the ID is unknown (crash before the
	// submission response was recorded).
	GetOrderStatus(ctx context.Context, symbol string, orderID int64, idempotencyKey string) (*OrderResponse, error)
}
