// Package binanceclient implements ports.ExchangeClient against Binance
// USDT-M futures. Every raw exchange value crosses a translation layer here;
// nothing downstream sees a Binance type or status string.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	quoteAsset    string
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	QuoteAsset string // asset balances are reported in, e.g. "USDT"
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}
	quoteAsset := cfg.QuoteAsset
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		quoteAsset:    quoteAsset,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1001, -1007: // Internal error / timeout waiting for backend
			mappedErr = ports.ErrExchangeUnavailable
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderRejected
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019, -3005, -3041: // Margin or balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order rejected
			mappedErr = ports.ErrOrderRejected
		case -4003, -4014, -4015: // Qty/price/leverage not within permissible range
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetServerTime retrieves the current server time from the exchange.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	op := "GetServerTime"
	serverTimeMs, err := c.futuresClient.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, c.handleError(ctx, err, op)
	}
	return time.UnixMilli(serverTimeMs), nil
}

// GetTickerPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no ticker data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetAccountSnapshot retrieves the balance and equity view for the quote asset.
func (c *Client) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	op := "GetAccountSnapshot"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset != c.quoteAsset {
			continue
		}
		free, err := strconv.ParseFloat(bal.AvailableBalance, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse available balance '%s': %w", bal.AvailableBalance, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		wallet, err := strconv.ParseFloat(bal.WalletBalance, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse wallet balance '%s': %w", bal.WalletBalance, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		unrealized, err := strconv.ParseFloat(bal.UnrealizedProfit, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse unrealized profit '%s': %w", bal.UnrealizedProfit, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		return &domain.AccountSnapshot{
			FreeBalance:   free,
			Equity:        wallet + unrealized,
			UnrealizedPNL: unrealized,
			Taken:         time.Now().UTC(),
		}, nil
	}

	err = fmt.Errorf("asset %s not found in account", c.quoteAsset)
	return nil, c.handleError(ctx, err, op)
}

// GetKlines retrieves historical klines/candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}

	return domainKlines, nil
}

// PlaceMarketOrder places a market order tagged with the idempotency key.
// Resubmitting with the same key after a crash does not create a second order;
// Binance returns the original via its client order ID.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, idempotencyKey string) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		NewClientOrderID(idempotencyKey).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp, err := translateOrderResponse(order)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity, "orderID": resp.OrderID, "avgPrice": resp.AvgPrice})
	return resp, nil
}

// PlaceStopOrder places a single stop-market order.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string, idempotencyKey string) (*ports.OrderResponse, error) {
	op := "PlaceStopOrder"

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeStopMarket).
		Quantity(quantity).
		StopPrice(stopPrice).
		NewClientOrderID(idempotencyKey).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp, err := translateOrderResponse(order)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity, "stopPrice": stopPrice, "orderID": resp.OrderID})
	return resp, nil
}

// PlaceBracket places the protective stop-loss and take-profit legs for an
// open position. All-or-nothing: if the take-profit leg fails, the stop leg
// is canceled before the error is returned, so the caller never inherits a
// half-placed bracket.
func (c *Client) PlaceBracket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice, takeProfitPrice string, stopKey, tpKey string) (*ports.BracketRefs, error) {
	op := "PlaceBracket"

	stopOrder, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeStopMarket).
		Quantity(quantity).
		StopPrice(stopPrice).
		NewClientOrderID(stopKey).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op+" stop leg")
	}

	tpOrder, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeTakeProfitMarket).
		Quantity(quantity).
		StopPrice(takeProfitPrice).
		NewClientOrderID(tpKey).
		Do(ctx)
	if err != nil {
		tpErr := c.handleError(ctx, err, op+" take-profit leg")
		// Unwind the stop leg so the bracket is never half-placed.
		if _, cancelErr := c.CancelOrder(ctx, symbol, stopOrder.OrderID); cancelErr != nil {
			c.logger.Error(ctx, cancelErr, op+": failed to cancel stop leg after take-profit failure; manual intervention may be required", map[string]interface{}{
				"symbol":      symbol,
				"stopOrderID": stopOrder.OrderID,
			})
			return nil, fmt.Errorf("%w: take-profit leg failed and stop leg cancel failed: %w", ports.ErrExchangeInconsistency, tpErr)
		}
		return nil, tpErr
	}

	stopResp, err := translateOrderResponse(stopOrder)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	tpResp, err := translateOrderResponse(tpOrder)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":      symbol,
		"stopOrderID": stopResp.OrderID,
		"tpOrderID":   tpResp.OrderID,
		"stopPrice":   stopPrice,
		"tpPrice":     takeProfitPrice,
	})
	return &ports.BracketRefs{Stop: stopResp, TakeProfit: tpResp}, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	status, err := domain.ParseOrderStatus(string(res.Status))
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	price, _ := strconv.ParseFloat(res.Price, 64)
	origQty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)

	resp := &ports.OrderResponse{
		OrderID:        res.OrderID,
		Symbol:         res.Symbol,
		IdempotencyKey: res.ClientOrderID,
		Price:          price,
		OrigQuantity:   origQty,
		ExecutedQty:    execQty,
		Status:         status,
		Side:           domain.OrderSide(res.Side),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": resp.Status})
	return resp, nil
}

// GetOrderStatus queries an order's current state. When the exchange ID is
// unknown (a crash before the submission response was recorded) the lookup
// falls back to the idempotency key.
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID int64, idempotencyKey string) (*ports.OrderResponse, error) {
	op := "GetOrderStatus"

	svc := c.futuresClient.NewGetOrderService().Symbol(symbol)
	if orderID > 0 {
		svc = svc.OrderID(orderID)
	} else if idempotencyKey != "" {
		svc = svc.OrigClientOrderID(idempotencyKey)
	} else {
		return nil, fmt.Errorf("%s requires an order ID or idempotency key: %w", op, ports.ErrInvalidRequest)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	status, parseErr := domain.ParseOrderStatus(string(order.Status))
	if parseErr != nil {
		return nil, c.handleError(ctx, parseErr, op)
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:        order.OrderID,
		Symbol:         order.Symbol,
		IdempotencyKey: order.ClientOrderID,
		Price:          price,
		AvgPrice:       avgPrice,
		OrigQuantity:   origQty,
		ExecutedQty:    execQty,
		Status:         status,
		Side:           domain.OrderSide(order.Side),
		Timestamp:      time.UnixMilli(order.UpdateTime),
	}, nil
}

// --- Translation Helpers ---

func translateOrderResponse(order *futures.CreateOrderResponse) (*ports.OrderResponse, error) {
	if order == nil {
		return nil, errors.New("received nil order response")
	}
	status, err := domain.ParseOrderStatus(string(order.Status))
	if err != nil {
		return nil, err
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:        order.OrderID,
		Symbol:         order.Symbol,
		IdempotencyKey: order.ClientOrderID,
		Price:          price,
		AvgPrice:       avgPrice,
		OrigQuantity:   origQty,
		ExecutedQty:    execQty,
		Status:         status,
		Side:           domain.OrderSide(order.Side),
		Timestamp:      time.UnixMilli(order.UpdateTime),
	}, nil
}

func translateKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}
	if math.IsNaN(open) || math.IsNaN(high) || math.IsNaN(low) || math.IsNaN(cls) {
		return nil, fmt.Errorf("kline for %s contains non-finite prices", symbol)
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   true,
	}, nil
}
