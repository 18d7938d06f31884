package engine

import (
	"context"
	"errors"
	"fmt"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"
)

// Reconcile aligns every persisted non-terminal position with exchange truth.
// It runs at startup before any new trading and is idempotent: against an
// unchanged exchange it mutates nothing and submits nothing.
func (e *Engine) Reconcile(ctx context.Context) error {
	op := "Reconcile"

	positions, err := e.store.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions for reconciliation: %w", err)
	}
	if len(positions) == 0 {
		e.logger.Info(ctx, op+": No open positions to reconcile")
		return nil
	}
	e.logger.Info(ctx, op+": Reconciling open positions", map[string]interface{}{"count": len(positions)})

	var errs []error
	for _, pos := range positions {
		lock := e.symbolLock(pos.Symbol)
		lock.Lock()
		err := e.reconcilePosition(ctx, pos)
		lock.Unlock()
		if err != nil {
			e.logger.Error(ctx, err, op+": Failed to reconcile position", map[string]interface{}{
				"positionID": pos.ID,
				"symbol":     pos.Symbol,
				"status":     pos.Status,
			})
			errs = append(errs, fmt.Errorf("position %d (%s): %w", pos.ID, pos.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) reconcilePosition(ctx context.Context, pos *domain.Position) error {
	op := "reconcilePosition"
	e.logger.Debug(ctx, op, map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"status":     pos.Status,
	})

	switch pos.Status {
	case domain.StatusEntryPending:
		// A crash hit between persisting the intent and recording the fill.
		// The idempotency key says whether the entry ever reached the exchange.
		return e.resolveEntryOutcome(ctx, pos)

	case domain.StatusOpen, domain.StatusTrailing:
		// A crash between the entry fill and the bracket leaves exposure
		// without protection; establish it now.
		if !pos.StopOrder.Placed() || !pos.TakeProfitOrder.Placed() {
			e.notifyCritical(ctx, fmt.Sprintf("Position %d (%s) found unprotected at startup, placing bracket", pos.ID, pos.Symbol))
			return e.establishBracket(ctx, pos)
		}
		// Otherwise the same check the tick loop runs: leg fills settle the
		// position, vanished legs escalate, healthy brackets touch nothing.
		_, err := e.detectLegFill(ctx, pos)
		return err

	case domain.StatusClosing:
		return e.reconcileClosing(ctx, pos)

	default:
		return fmt.Errorf("unexpected non-terminal status %s during reconciliation", pos.Status)
	}
}

// reconcileClosing finishes a position whose close was in flight when the
// process died.
func (e *Engine) reconcileClosing(ctx context.Context, pos *domain.Position) error {
	op := "reconcileClosing"

	reason := pos.CloseReason
	if reason == "" {
		reason = domain.CloseReasonUnknown
	}

	// Liquidation path: a close order key was assigned before the crash.
	if pos.CloseOrder.Placed() {
		resp, err := e.exchange.GetOrderStatus(ctx, pos.Symbol, pos.CloseOrder.ExchangeID, pos.CloseOrder.IdempotencyKey)
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				// The close never reached the exchange. Submit it with the
				// same key.
				e.logger.Warn(ctx, op+": Close order unknown to exchange, resubmitting", map[string]interface{}{"positionID": pos.ID})
				qtyStr := e.formatQuantity(pos.Symbol, pos.Quantity)
				resp, err = e.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.ExitOrderSide(), qtyStr, pos.CloseOrder.IdempotencyKey)
				if err != nil {
					return fmt.Errorf("failed to resubmit close order: %w", err)
				}
			} else {
				return fmt.Errorf("failed to query close order: %w", err)
			}
		}
		pos.CloseOrder.ExchangeID = resp.OrderID
		pos.CloseOrder.Status = resp.Status
		if !resp.Status.Terminal() {
			// Market order still pending; leave CLOSING for the next pass.
			return e.store.Update(ctx, pos)
		}
		if resp.Status != domain.OrderStatusFilled {
			return fmt.Errorf("close order ended %s: %w", resp.Status, ports.ErrExchangeInconsistency)
		}
		exitPrice := resp.AvgPrice
		if exitPrice == 0 {
			exitPrice = resp.Price
		}
		return e.settle(ctx, pos, exitPrice, reason)
	}

	// Bracket path: a protective leg filled and the crash hit before the
	// sibling cancel or the settle. Re-read both legs from the exchange.
	for _, leg := range []*domain.OrderRef{&pos.StopOrder, &pos.TakeProfitOrder} {
		if !leg.Placed() {
			continue
		}
		resp, err := e.exchange.GetOrderStatus(ctx, pos.Symbol, leg.ExchangeID, leg.IdempotencyKey)
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				leg.Status = domain.OrderStatusCanceled
				continue
			}
			return fmt.Errorf("failed to query %s leg: %w", leg.Intent, err)
		}
		leg.Status = resp.Status
		if resp.Status != domain.OrderStatusFilled {
			continue
		}

		var sibling *domain.OrderRef
		var legReason domain.CloseReason
		if leg.Intent == domain.IntentStop {
			sibling = &pos.TakeProfitOrder
			legReason = domain.CloseReasonStopLoss
			if pos.TrailingActive {
				legReason = domain.CloseReasonTrailingStop
			}
		} else {
			sibling = &pos.StopOrder
			legReason = domain.CloseReasonTakeProfit
		}
		e.cancelLegIfActive(ctx, pos, sibling)

		exitPrice := resp.AvgPrice
		if exitPrice == 0 {
			exitPrice = resp.Price
		}
		return e.settle(ctx, pos, exitPrice, legReason)
	}

	// Neither a close order nor a filled leg: exposure may still be live
	// without protection. Close it rather than guess.
	e.notifyCritical(ctx, fmt.Sprintf("Position %d (%s) stuck in CLOSING with no executed exit, force-closing", pos.ID, pos.Symbol))
	pos.CloseOrder = domain.OrderRef{Intent: domain.IntentClose}
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist close reset: %w", err)
	}
	return e.closeClosing(ctx, pos, reason)
}

// closeClosing issues the market close for a position already in CLOSING.
func (e *Engine) closeClosing(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	if pos.CloseOrder.IdempotencyKey == "" {
		pos.CloseOrder.IdempotencyKey = newIdempotencyKey()
		if err := e.store.Update(ctx, pos); err != nil {
			return fmt.Errorf("failed to persist close intent: %w", err)
		}
	}
	qtyStr := e.formatQuantity(pos.Symbol, pos.Quantity)
	resp, err := e.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.ExitOrderSide(), qtyStr, pos.CloseOrder.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to place close order: %w", err)
	}
	pos.CloseOrder.ExchangeID = resp.OrderID
	pos.CloseOrder.Status = resp.Status
	exitPrice := resp.AvgPrice
	if exitPrice == 0 {
		exitPrice = resp.Price
	}
	return e.settle(ctx, pos, exitPrice, reason)
}
