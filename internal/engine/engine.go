// Package engine drives positions through their lifecycle. It is the only
// writer of position state: every transition is persisted before the exchange
// action that follows it is treated as committed, so a crash at any point
// leaves enough on disk to resume from exchange truth.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bracketbot/internal/domain"
	"bracketbot/internal/monitoring"
	"bracketbot/internal/ports"
	"bracketbot/internal/sizing"
	"bracketbot/internal/strategy/indicators"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// Config holds the engine's trade management parameters.
type Config struct {
	StopLossPct           float64       // initial stop distance, fraction of entry price
	TakeProfitPct         float64       // take-profit distance, fraction of entry price
	TrailingActivationPct float64       // unrealized profit fraction that arms the trailing stop
	TrailingATRMult       float64       // stop distance = ATR * this
	ATRPeriod             int           // ATR lookback for trailing distance
	PartialFillThreshold  float64       // executed fraction below which a partial entry is unwound
	FeeRate               float64       // taker fee, fraction of notional per fill
	BracketMaxAttempts    int           // bracket placement attempts before force-close
	BracketBackoffMin     time.Duration // first retry delay
	BracketBackoffMax     time.Duration // retry delay ceiling
}

// Engine implements the execution state machine over the exchange and the
// position store.
type Engine struct {
	cfg      Config
	logger   ports.Logger
	exchange ports.ExchangeClient
	store    ports.PositionStore
	notifier ports.Notifier
	filters  map[string]sizing.Filter

	// Per-symbol locks: order-mutating work for one symbol is serialized,
	// symbols never block each other.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an execution engine.
func New(cfg Config, logger ports.Logger, exchange ports.ExchangeClient, store ports.PositionStore, notifier ports.Notifier, filters map[string]sizing.Filter) (*Engine, error) {
	if logger == nil || exchange == nil || store == nil || notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for engine")
	}
	if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1 {
		return nil, fmt.Errorf("StopLossPct must be between 0 and 1")
	}
	if cfg.TakeProfitPct <= 0 {
		return nil, fmt.Errorf("TakeProfitPct must be positive")
	}
	if cfg.TrailingActivationPct <= 0 {
		return nil, fmt.Errorf("TrailingActivationPct must be positive")
	}
	if cfg.TrailingATRMult <= 0 {
		return nil, fmt.Errorf("TrailingATRMult must be positive")
	}
	if cfg.ATRPeriod <= 0 {
		return nil, fmt.Errorf("ATRPeriod must be positive")
	}
	if cfg.PartialFillThreshold <= 0 || cfg.PartialFillThreshold > 1 {
		return nil, fmt.Errorf("PartialFillThreshold must be in (0, 1]")
	}
	if cfg.FeeRate < 0 {
		return nil, fmt.Errorf("FeeRate must not be negative")
	}
	if cfg.BracketMaxAttempts <= 0 {
		return nil, fmt.Errorf("BracketMaxAttempts must be positive")
	}
	if cfg.BracketBackoffMin <= 0 {
		cfg.BracketBackoffMin = 500 * time.Millisecond
	}
	if cfg.BracketBackoffMax <= 0 {
		cfg.BracketBackoffMax = 30 * time.Second
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		exchange: exchange,
		store:    store,
		notifier: notifier,
		filters:  filters,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// symbolLock returns the mutex serializing mutations for one symbol.
func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	return l
}

func (e *Engine) filter(symbol string) sizing.Filter {
	if f, ok := e.filters[symbol]; ok {
		return f
	}
	return sizing.Filter{}
}

func (e *Engine) formatQuantity(symbol string, qty float64) string {
	if f, ok := e.filters[symbol]; ok {
		return sizing.FormatQuantity(qty, f)
	}
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}

func newIdempotencyKey() string {
	return uuid.NewString()
}

// Open executes an approved entry signal: persist intent, submit the entry
// market order, record the fill, then establish the protective bracket.
// Returns the position in whatever state it reached.
func (e *Engine) Open(ctx context.Context, signal domain.Signal, qty float64) (*domain.Position, error) {
	op := "Open"
	lock := e.symbolLock(signal.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := e.store.FindOpenBySymbol(ctx, signal.Symbol); err != nil {
		return nil, fmt.Errorf("failed to check for open position on %s: %w", signal.Symbol, err)
	} else if existing != nil {
		return nil, fmt.Errorf("position %d already open for %s: %w", existing.ID, signal.Symbol, ports.ErrDuplicateEntry)
	}

	// Write-ahead: the intent, with its idempotency key, is durable before
	// anything is sent to the exchange.
	pos := &domain.Position{
		Symbol:   signal.Symbol,
		Side:     signal.Side,
		Quantity: qty,
		OpenedAt: time.Now().UTC(),
		Status:   domain.StatusEntryPending,
		EntryOrder: domain.OrderRef{
			Intent:         domain.IntentEntry,
			IdempotencyKey: newIdempotencyKey(),
		},
	}
	if _, err := e.store.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist entry intent for %s: %w", signal.Symbol, err)
	}
	e.logger.Info(ctx, op+": Entry intent persisted", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"side":       pos.Side,
		"quantity":   qty,
	})

	qtyStr := e.formatQuantity(signal.Symbol, qty)
	resp, err := e.exchange.PlaceMarketOrder(ctx, signal.Symbol, signal.Side.EntryOrderSide(), qtyStr, pos.EntryOrder.IdempotencyKey)
	if err != nil {
		monitoring.RecordOrder(signal.Symbol, string(domain.IntentEntry), "error")
		e.logger.Error(ctx, err, op+": Entry order submission failed", map[string]interface{}{"positionID": pos.ID})
		if !ports.IsTransient(err) {
			pos.EntryOrder.Status = domain.OrderStatusRejected
			e.abandonEntry(ctx, pos)
			return pos, fmt.Errorf("entry order rejected for %s: %w", signal.Symbol, err)
		}
		// Transient failure with the submission outcome unknown. The order
		// may exist on the exchange; resolve via the idempotency key.
		return pos, e.resolveEntryOutcome(ctx, pos)
	}

	return pos, e.recordEntryFill(ctx, pos, resp)
}

// recordEntryFill applies the entry order response to the position: full or
// acceptable partial fills open it, anything else unwinds it.
func (e *Engine) recordEntryFill(ctx context.Context, pos *domain.Position, resp *ports.OrderResponse) error {
	op := "recordEntryFill"
	pos.EntryOrder.ExchangeID = resp.OrderID
	pos.EntryOrder.Status = resp.Status

	switch resp.Status {
	case domain.OrderStatusFilled, domain.OrderStatusPartiallyFilled:
	case domain.OrderStatusNew:
		// A market order resting as NEW is not expected. Cancel it and unwind
		// whatever executed rather than waiting on it.
		return e.unwindPartialEntry(ctx, pos, resp)
	default:
		monitoring.RecordOrder(pos.Symbol, string(domain.IntentEntry), string(resp.Status))
		e.abandonEntry(ctx, pos)
		return fmt.Errorf("entry order for %s ended %s: %w", pos.Symbol, resp.Status, ports.ErrOrderRejected)
	}

	fraction := 1.0
	if resp.OrigQuantity > 0 {
		fraction = resp.ExecutedQty / resp.OrigQuantity
	}
	if fraction < e.cfg.PartialFillThreshold {
		e.logger.Warn(ctx, op+": Entry fill below threshold, unwinding", map[string]interface{}{
			"positionID": pos.ID,
			"executed":   resp.ExecutedQty,
			"requested":  resp.OrigQuantity,
			"threshold":  e.cfg.PartialFillThreshold,
		})
		return e.unwindPartialEntry(ctx, pos, resp)
	}

	// An accepted partial still has its remainder working on the exchange.
	// Cancel it before opening: a later execution would push exposure past
	// the quantity the bracket protects.
	if resp.Status == domain.OrderStatusPartiallyFilled {
		if _, err := e.exchange.CancelOrder(ctx, pos.Symbol, resp.OrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Error(ctx, err, op+": Failed to cancel entry remainder", map[string]interface{}{
				"positionID": pos.ID,
				"executed":   resp.ExecutedQty,
			})
			// Still ENTRY_PENDING on disk; the next tick or reconciliation
			// re-reads the order and retries the cancel.
			return fmt.Errorf("failed to cancel entry remainder for position %d: %w", pos.ID, err)
		}
		pos.EntryOrder.Status = domain.OrderStatusCanceled
	}

	entryPrice := resp.AvgPrice
	if entryPrice == 0 {
		entryPrice = resp.Price
	}
	executed := resp.ExecutedQty
	if executed == 0 {
		executed = pos.Quantity
	}

	pos.EntryPrice = entryPrice
	pos.Quantity = executed
	pos.HighWaterMark = entryPrice
	pos.Fees = entryPrice * executed * e.cfg.FeeRate
	if pos.Side == domain.Short {
		pos.StopPrice = entryPrice * (1 + e.cfg.StopLossPct)
		pos.TakeProfit = entryPrice * (1 - e.cfg.TakeProfitPct)
	} else {
		pos.StopPrice = entryPrice * (1 - e.cfg.StopLossPct)
		pos.TakeProfit = entryPrice * (1 + e.cfg.TakeProfitPct)
	}
	if err := pos.Advance(domain.StatusOpen); err != nil {
		return err
	}
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist entry fill for position %d: %w", pos.ID, err)
	}
	monitoring.RecordOrder(pos.Symbol, string(domain.IntentEntry), "filled")
	e.logger.Info(ctx, op+": Position open", map[string]interface{}{
		"positionID": pos.ID,
		"entryPrice": entryPrice,
		"quantity":   executed,
		"stopPrice":  pos.StopPrice,
		"takeProfit": pos.TakeProfit,
	})

	return e.establishBracket(ctx, pos)
}

// resolveEntryOutcome queries the exchange for the entry order after an
// ambiguous submission and applies whatever it finds.
func (e *Engine) resolveEntryOutcome(ctx context.Context, pos *domain.Position) error {
	op := "resolveEntryOutcome"
	resp, err := e.exchange.GetOrderStatus(ctx, pos.Symbol, pos.EntryOrder.ExchangeID, pos.EntryOrder.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			// Submission never reached the exchange.
			e.logger.Info(ctx, op+": Entry order unknown to exchange, canceling intent", map[string]interface{}{"positionID": pos.ID})
			pos.EntryOrder.Status = domain.OrderStatusRejected
			e.abandonEntry(ctx, pos)
			return fmt.Errorf("entry for %s never reached the exchange: %w", pos.Symbol, ports.ErrOrderRejected)
		}
		// Still unknown. Leave ENTRY_PENDING for reconciliation to settle.
		e.logger.Error(ctx, err, op+": Could not resolve entry outcome, leaving for reconciliation", map[string]interface{}{"positionID": pos.ID})
		return fmt.Errorf("entry outcome for %s unresolved: %w", pos.Symbol, err)
	}
	return e.recordEntryFill(ctx, pos, resp)
}

// abandonEntry marks a never-filled intent CANCELED. Nothing executed, so no
// ledger entry is written.
func (e *Engine) abandonEntry(ctx context.Context, pos *domain.Position) {
	if err := pos.Advance(domain.StatusCanceled); err != nil {
		e.logger.Error(ctx, err, "abandonEntry: illegal transition", map[string]interface{}{"positionID": pos.ID})
		return
	}
	pos.ClosedAt = time.Now().UTC()
	if err := e.store.Update(ctx, pos); err != nil {
		e.logger.Error(ctx, err, "abandonEntry: failed to persist canceled intent", map[string]interface{}{"positionID": pos.ID})
	}
}

// unwindPartialEntry cancels the remainder of a below-threshold fill and
// market-closes whatever did execute, then marks the position CANCELED.
func (e *Engine) unwindPartialEntry(ctx context.Context, pos *domain.Position, resp *ports.OrderResponse) error {
	op := "unwindPartialEntry"

	if resp.Status.Active() {
		if _, err := e.exchange.CancelOrder(ctx, pos.Symbol, resp.OrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			return fmt.Errorf("failed to cancel partial entry remainder for position %d: %w", pos.ID, err)
		}
		pos.EntryOrder.Status = domain.OrderStatusCanceled
	}

	if resp.ExecutedQty > 0 {
		qtyStr := e.formatQuantity(pos.Symbol, resp.ExecutedQty)
		closeKey := newIdempotencyKey()
		e.logger.Warn(ctx, op+": Closing executed slice of partial entry", map[string]interface{}{
			"positionID": pos.ID,
			"executed":   resp.ExecutedQty,
		})
		if _, err := e.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.ExitOrderSide(), qtyStr, closeKey); err != nil {
			e.notifyCritical(ctx, fmt.Sprintf("Position %d (%s): partial entry slice could not be closed, manual intervention required: %v", pos.ID, pos.Symbol, err))
			if advErr := pos.Advance(domain.StatusFailed); advErr == nil {
				pos.ClosedAt = time.Now().UTC()
				if uErr := e.store.Update(ctx, pos); uErr != nil {
					e.logger.Error(ctx, uErr, op+": failed to persist FAILED state", map[string]interface{}{"positionID": pos.ID})
				}
			}
			return fmt.Errorf("failed to close partial entry slice for position %d: %w", pos.ID, err)
		}
	}

	if err := pos.Advance(domain.StatusCanceled); err != nil {
		return err
	}
	pos.ClosedAt = time.Now().UTC()
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist canceled partial entry for position %d: %w", pos.ID, err)
	}
	return nil
}

// establishBracket places the protective stop/take-profit pair with bounded
// retries. Exhaustion is a forbidden condition: the position is force-closed
// rather than left unprotected.
func (e *Engine) establishBracket(ctx context.Context, pos *domain.Position) error {
	op := "establishBracket"

	// Keys are assigned once and persisted before the first attempt, so a
	// crash mid-retry can find any order that did get through.
	if pos.StopOrder.IdempotencyKey == "" {
		pos.StopOrder = domain.OrderRef{Intent: domain.IntentStop, IdempotencyKey: newIdempotencyKey()}
		pos.TakeProfitOrder = domain.OrderRef{Intent: domain.IntentTakeProfit, IdempotencyKey: newIdempotencyKey()}
		if err := e.store.Update(ctx, pos); err != nil {
			return fmt.Errorf("failed to persist bracket intent for position %d: %w", pos.ID, err)
		}
	}

	qtyStr := e.formatQuantity(pos.Symbol, pos.Quantity)
	exitSide := pos.Side.ExitOrderSide()
	b := &backoff.Backoff{
		Min:    e.cfg.BracketBackoffMin,
		Max:    e.cfg.BracketBackoffMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.BracketMaxAttempts; attempt++ {
		refs, err := e.exchange.PlaceBracket(ctx, pos.Symbol, exitSide, qtyStr,
			formatPrice(pos.StopPrice), formatPrice(pos.TakeProfit),
			pos.StopOrder.IdempotencyKey, pos.TakeProfitOrder.IdempotencyKey)
		if err == nil {
			pos.StopOrder.ExchangeID = refs.Stop.OrderID
			pos.StopOrder.Status = refs.Stop.Status
			pos.TakeProfitOrder.ExchangeID = refs.TakeProfit.OrderID
			pos.TakeProfitOrder.Status = refs.TakeProfit.Status
			if uErr := e.store.Update(ctx, pos); uErr != nil {
				return fmt.Errorf("failed to persist bracket refs for position %d: %w", pos.ID, uErr)
			}
			monitoring.RecordOrder(pos.Symbol, string(domain.IntentStop), "placed")
			monitoring.RecordOrder(pos.Symbol, string(domain.IntentTakeProfit), "placed")
			e.logger.Info(ctx, op+": Bracket established", map[string]interface{}{
				"positionID":  pos.ID,
				"stopOrderID": pos.StopOrder.ExchangeID,
				"tpOrderID":   pos.TakeProfitOrder.ExchangeID,
				"attempt":     attempt,
			})
			return nil
		}

		lastErr = err
		pos.StopOrder.RetryCount = attempt
		pos.TakeProfitOrder.RetryCount = attempt
		if uErr := e.store.Update(ctx, pos); uErr != nil {
			e.logger.Error(ctx, uErr, op+": failed to persist retry count", map[string]interface{}{"positionID": pos.ID})
		}
		monitoring.RecordOrderRetry(pos.Symbol, string(domain.IntentStop))
		e.logger.Warn(ctx, op+": Bracket placement failed", map[string]interface{}{
			"positionID":  pos.ID,
			"attempt":     attempt,
			"maxAttempts": e.cfg.BracketMaxAttempts,
			"error":       err.Error(),
		})

		if !ports.IsTransient(err) {
			break
		}
		if attempt < e.cfg.BracketMaxAttempts {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return fmt.Errorf("bracket placement interrupted for position %d: %w", pos.ID, ctx.Err())
			}
		}
	}

	// The position is exposed without protection. Close it now.
	e.notifyCritical(ctx, fmt.Sprintf("Position %d (%s): bracket could not be established after %d attempts, force-closing: %v",
		pos.ID, pos.Symbol, e.cfg.BracketMaxAttempts, lastErr))
	if err := e.closeLocked(ctx, pos, domain.CloseReasonUnprotected); err != nil {
		return fmt.Errorf("bracket exhausted and force-close failed for position %d: %w", pos.ID, err)
	}
	return fmt.Errorf("bracket could not be established for position %d, position closed: %w", pos.ID, lastErr)
}

// ManageTick runs one management pass over a live position: detect bracket
// leg fills, update the high-water mark, tighten the trailing stop.
func (e *Engine) ManageTick(ctx context.Context, pos *domain.Position, klines []*domain.Kline, price float64) error {
	lock := e.symbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if pos.Status.Terminal() {
		return nil
	}

	// An ENTRY_PENDING position reaching the tick loop means a previous
	// cycle could not resolve the entry; try again from exchange truth.
	if pos.Status == domain.StatusEntryPending {
		return e.resolveEntryOutcome(ctx, pos)
	}

	// CLOSING means an exit is already underway; an earlier settle attempt
	// was interrupted, likely by a failed sibling cancel. Resume it from
	// exchange truth. Trailing management must not run here: the exit leg
	// has filled and a revised stop would be a second, orphan order.
	if pos.Status == domain.StatusClosing {
		return e.reconcileClosing(ctx, pos)
	}

	closed, err := e.detectLegFill(ctx, pos)
	if err != nil {
		return err
	}
	if closed {
		return nil
	}

	return e.updateTrailing(ctx, pos, klines, price)
}

// detectLegFill checks both protective legs and settles the position if one
// has executed. Returns true when the position reached a terminal state.
func (e *Engine) detectLegFill(ctx context.Context, pos *domain.Position) (bool, error) {
	op := "detectLegFill"

	for _, leg := range []*domain.OrderRef{&pos.StopOrder, &pos.TakeProfitOrder} {
		if !leg.Placed() || leg.Status.Terminal() {
			continue
		}
		resp, err := e.exchange.GetOrderStatus(ctx, pos.Symbol, leg.ExchangeID, leg.IdempotencyKey)
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				// A protective order the exchange no longer knows about while
				// exposure is live is a forbidden condition.
				leg.Status = domain.OrderStatusCanceled
				return true, e.escalateUnprotected(ctx, pos, fmt.Sprintf("%s order vanished from exchange", leg.Intent))
			}
			return false, fmt.Errorf("failed to query %s leg for position %d: %w", leg.Intent, pos.ID, err)
		}
		leg.Status = resp.Status

		switch resp.Status {
		case domain.OrderStatusFilled:
			return true, e.settleLegFill(ctx, pos, leg, resp)
		case domain.OrderStatusCanceled, domain.OrderStatusRejected, domain.OrderStatusExpired:
			e.logger.Warn(ctx, op+": Protective leg no longer active", map[string]interface{}{
				"positionID": pos.ID,
				"intent":     leg.Intent,
				"status":     resp.Status,
			})
			return true, e.escalateUnprotected(ctx, pos, fmt.Sprintf("%s order is %s", leg.Intent, resp.Status))
		}
	}
	return false, nil
}

// settleLegFill finishes a position whose stop or take-profit leg executed:
// cancel the sibling, compute realized P&L, settle atomically.
func (e *Engine) settleLegFill(ctx context.Context, pos *domain.Position, filled *domain.OrderRef, resp *ports.OrderResponse) error {
	op := "settleLegFill"

	var reason domain.CloseReason
	var sibling *domain.OrderRef
	if filled.Intent == domain.IntentStop {
		sibling = &pos.TakeProfitOrder
		reason = domain.CloseReasonStopLoss
		if pos.TrailingActive {
			reason = domain.CloseReasonTrailingStop
		}
	} else {
		sibling = &pos.StopOrder
		reason = domain.CloseReasonTakeProfit
	}

	e.logger.Info(ctx, op+": Protective leg filled", map[string]interface{}{
		"positionID": pos.ID,
		"intent":     filled.Intent,
		"avgPrice":   resp.AvgPrice,
		"reason":     reason,
	})

	if err := pos.Advance(domain.StatusClosing); err != nil {
		return err
	}
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist CLOSING for position %d: %w", pos.ID, err)
	}

	if sibling.Placed() && sibling.Status.Active() {
		if _, err := e.exchange.CancelOrder(ctx, pos.Symbol, sibling.ExchangeID); err != nil {
			if !errors.Is(err, ports.ErrOrderNotFound) {
				e.logger.Error(ctx, err, op+": Failed to cancel sibling leg", map[string]interface{}{
					"positionID": pos.ID,
					"intent":     sibling.Intent,
				})
				// Leave CLOSING; reconciliation retries the cancel.
				return fmt.Errorf("failed to cancel sibling %s leg for position %d: %w", sibling.Intent, pos.ID, err)
			}
		}
		sibling.Status = domain.OrderStatusCanceled
	}

	exitPrice := resp.AvgPrice
	if exitPrice == 0 {
		exitPrice = resp.Price
	}
	return e.settle(ctx, pos, exitPrice, reason)
}

// settle computes realized P&L net of fees and commits the terminal state
// with its ledger entry in one store transaction.
func (e *Engine) settle(ctx context.Context, pos *domain.Position, exitPrice float64, reason domain.CloseReason) error {
	pos.ExitPrice = exitPrice
	pos.ClosedAt = time.Now().UTC()
	pos.CloseReason = reason
	pos.Fees += exitPrice * pos.Quantity * e.cfg.FeeRate
	pos.PNL = pos.UnrealizedPNL(exitPrice) - pos.Fees
	if err := pos.Advance(domain.StatusClosed); err != nil {
		return err
	}
	if err := e.store.Settle(ctx, pos, domain.NewLedgerEntry(pos)); err != nil {
		return fmt.Errorf("failed to settle position %d: %w", pos.ID, err)
	}
	monitoring.RecordPositionClosed(pos.Symbol, string(reason))
	e.logger.Info(ctx, "Position settled", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"exitPrice":  exitPrice,
		"pnl":        pos.PNL,
		"fees":       pos.Fees,
		"reason":     reason,
	})
	e.notifier.Notify(ctx, ports.SeverityInfo, fmt.Sprintf("Closed %s %s %.6f @ %.2f (%s), P&L %.4f",
		pos.Side, pos.Symbol, pos.Quantity, exitPrice, reason, pos.PNL))
	return nil
}

// updateTrailing advances the high-water mark and tightens the stop once the
// activation profit is reached. The stop only ever moves toward profit.
func (e *Engine) updateTrailing(ctx context.Context, pos *domain.Position, klines []*domain.Kline, price float64) error {
	op := "updateTrailing"

	// High-water mark tracks the most favorable price seen since entry.
	if pos.Side == domain.Short {
		if price < pos.HighWaterMark || pos.HighWaterMark == 0 {
			pos.HighWaterMark = price
		}
	} else if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}

	if !pos.TrailingActive {
		if pos.ProfitFraction(price) < e.cfg.TrailingActivationPct {
			if err := e.store.Update(ctx, pos); err != nil {
				return fmt.Errorf("failed to persist high-water mark for position %d: %w", pos.ID, err)
			}
			return nil
		}
		atr, err := indicators.ATR(klines, e.cfg.ATRPeriod)
		if err != nil {
			e.logger.Warn(ctx, op+": Cannot activate trailing yet", map[string]interface{}{
				"positionID": pos.ID,
				"error":      err.Error(),
			})
			return e.store.Update(ctx, pos)
		}
		pos.TrailingActive = true
		pos.TrailDistance = atr * e.cfg.TrailingATRMult
		if err := pos.Advance(domain.StatusTrailing); err != nil {
			return err
		}
		e.logger.Info(ctx, op+": Trailing stop armed", map[string]interface{}{
			"positionID":    pos.ID,
			"trailDistance": pos.TrailDistance,
			"highWaterMark": pos.HighWaterMark,
		})
	} else {
		// Refresh the distance from current volatility; a failed ATR read
		// keeps the previous distance.
		if atr, err := indicators.ATR(klines, e.cfg.ATRPeriod); err == nil {
			pos.TrailDistance = atr * e.cfg.TrailingATRMult
		}
	}

	candidate := pos.HighWaterMark - pos.TrailDistance
	if pos.Side == domain.Short {
		candidate = pos.HighWaterMark + pos.TrailDistance
	}
	if !pos.StopImproves(candidate) {
		return e.store.Update(ctx, pos)
	}

	return e.reviseStop(ctx, pos, candidate)
}

// reviseStop replaces the stop leg with one at the new price. The revision is
// persisted before it is treated as committed; a crash in the gap is repaired
// by reconciliation from the recorded keys.
func (e *Engine) reviseStop(ctx context.Context, pos *domain.Position, newStop float64) error {
	op := "reviseStop"
	oldStop := pos.StopPrice
	oldRef := pos.StopOrder

	if oldRef.Placed() && oldRef.Status.Active() {
		if _, err := e.exchange.CancelOrder(ctx, pos.Symbol, oldRef.ExchangeID); err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				// The old stop is gone; it may have just filled. Let the next
				// tick's fill detection sort it out before re-placing anything.
				e.logger.Warn(ctx, op+": Old stop not found during revision, deferring", map[string]interface{}{"positionID": pos.ID})
				return e.store.Update(ctx, pos)
			}
			return fmt.Errorf("failed to cancel stop for revision on position %d: %w", pos.ID, err)
		}
	}

	newRef := domain.OrderRef{
		Intent:         domain.IntentStop,
		IdempotencyKey: newIdempotencyKey(),
	}
	pos.StopPrice = newStop
	pos.StopOrder = newRef
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist stop revision for position %d: %w", pos.ID, err)
	}

	resp, err := e.exchange.PlaceStopOrder(ctx, pos.Symbol, pos.Side.ExitOrderSide(),
		e.formatQuantity(pos.Symbol, pos.Quantity), formatPrice(newStop), newRef.IdempotencyKey)
	if err != nil {
		// Old stop canceled and the new one failed: the position is
		// unprotected. Escalate immediately.
		return e.escalateUnprotected(ctx, pos, fmt.Sprintf("stop revision failed: %v", err))
	}

	pos.StopOrder.ExchangeID = resp.OrderID
	pos.StopOrder.Status = resp.Status
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist revised stop ref for position %d: %w", pos.ID, err)
	}
	monitoring.RecordOrder(pos.Symbol, string(domain.IntentStop), "revised")
	e.logger.Info(ctx, op+": Stop tightened", map[string]interface{}{
		"positionID": pos.ID,
		"oldStop":    oldStop,
		"newStop":    newStop,
	})
	return nil
}

// escalateUnprotected handles live exposure without a working bracket: alert,
// attempt to re-establish protection, force-close if that fails.
func (e *Engine) escalateUnprotected(ctx context.Context, pos *domain.Position, detail string) error {
	e.notifyCritical(ctx, fmt.Sprintf("Position %d (%s) is unprotected: %s", pos.ID, pos.Symbol, detail))

	// Invalidate both leg refs so establishBracket starts a fresh pair.
	e.cancelLegIfActive(ctx, pos, &pos.StopOrder)
	e.cancelLegIfActive(ctx, pos, &pos.TakeProfitOrder)
	pos.StopOrder = domain.OrderRef{Intent: domain.IntentStop}
	pos.TakeProfitOrder = domain.OrderRef{Intent: domain.IntentTakeProfit}
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist bracket reset for position %d: %w", pos.ID, err)
	}
	return e.establishBracket(ctx, pos)
}

// ForceClose liquidates the live position for a symbol at market.
func (e *Engine) ForceClose(ctx context.Context, symbol string, reason domain.CloseReason) error {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.store.FindOpenBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to load position for force-close of %s: %w", symbol, err)
	}
	if pos == nil {
		return nil
	}
	return e.closeLocked(ctx, pos, reason)
}

// closeLocked is the liquidation path. Caller holds the symbol lock.
func (e *Engine) closeLocked(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	op := "closeLocked"

	e.cancelLegIfActive(ctx, pos, &pos.StopOrder)
	e.cancelLegIfActive(ctx, pos, &pos.TakeProfitOrder)

	if pos.CloseOrder.IdempotencyKey == "" {
		pos.CloseOrder = domain.OrderRef{Intent: domain.IntentClose, IdempotencyKey: newIdempotencyKey()}
	}
	if err := pos.Advance(domain.StatusClosing); err != nil {
		return err
	}
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist CLOSING for position %d: %w", pos.ID, err)
	}

	qtyStr := e.formatQuantity(pos.Symbol, pos.Quantity)
	resp, err := e.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.ExitOrderSide(), qtyStr, pos.CloseOrder.IdempotencyKey)
	if err != nil {
		monitoring.RecordOrder(pos.Symbol, string(domain.IntentClose), "error")
		e.logger.Error(ctx, err, op+": Close order failed", map[string]interface{}{"positionID": pos.ID})
		if ports.IsTransient(err) {
			// CLOSING survives the restart; reconciliation retries the close.
			return fmt.Errorf("close order for position %d failed transiently: %w", pos.ID, err)
		}
		if advErr := pos.Advance(domain.StatusFailed); advErr == nil {
			pos.ClosedAt = time.Now().UTC()
			pos.CloseReason = reason
			if uErr := e.store.Update(ctx, pos); uErr != nil {
				e.logger.Error(ctx, uErr, op+": failed to persist FAILED state", map[string]interface{}{"positionID": pos.ID})
			}
		}
		e.notifyCritical(ctx, fmt.Sprintf("Position %d (%s): close order rejected, manual intervention required: %v", pos.ID, pos.Symbol, err))
		return fmt.Errorf("close order for position %d rejected: %w", pos.ID, err)
	}

	pos.CloseOrder.ExchangeID = resp.OrderID
	pos.CloseOrder.Status = resp.Status
	monitoring.RecordOrder(pos.Symbol, string(domain.IntentClose), "filled")

	exitPrice := resp.AvgPrice
	if exitPrice == 0 {
		exitPrice = resp.Price
	}
	return e.settle(ctx, pos, exitPrice, reason)
}

// cancelLegIfActive cancels a protective leg, tolerating orders that are
// already gone.
func (e *Engine) cancelLegIfActive(ctx context.Context, pos *domain.Position, leg *domain.OrderRef) {
	if leg.ExchangeID == 0 || leg.Status.Terminal() {
		return
	}
	if _, err := e.exchange.CancelOrder(ctx, pos.Symbol, leg.ExchangeID); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Warn(ctx, "Leg already gone during cancel", map[string]interface{}{
				"positionID": pos.ID,
				"intent":     leg.Intent,
			})
		} else {
			e.logger.Error(ctx, err, "Failed to cancel protective leg", map[string]interface{}{
				"positionID": pos.ID,
				"intent":     leg.Intent,
			})
			return
		}
	}
	leg.Status = domain.OrderStatusCanceled
}

func (e *Engine) notifyCritical(ctx context.Context, message string) {
	monitoring.RecordCriticalAlert()
	e.logger.Error(ctx, errors.New(message), "CRITICAL alert")
	e.notifier.Notify(ctx, ports.SeverityCritical, message)
}
