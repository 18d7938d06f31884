// Package strategy implements the trend-following signal source.
package strategy

import (
	"context"
	"fmt"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"
	"bracketbot/internal/strategy/indicators"
)

// Config holds parameters for the trading strategy.
type Config struct {
	ShortTermMAPeriod int     // e.g., 20
	LongTermMAPeriod  int     // e.g., 50
	EMAPeriod         int     // e.g., 20
	RSIPeriod         int     // e.g., 14
	RSIOverbought     float64 // e.g., 70.0
	RSIOversold       float64 // e.g., 30.0
}

// Strategy implements ports.Strategy: a long-only trend follower that enters
// on an uptrend confirmed by both MAs and exits when the trend breaks.
type Strategy struct {
	cfg    Config
	logger ports.Logger
}

// New creates a new Strategy instance.
func New(cfg Config, logger ports.Logger) (*Strategy, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.ShortTermMAPeriod <= 0 || cfg.LongTermMAPeriod <= 0 || cfg.EMAPeriod <= 0 || cfg.RSIPeriod <= 0 {
		return nil, fmt.Errorf("strategy periods must be positive")
	}
	if cfg.ShortTermMAPeriod >= cfg.LongTermMAPeriod {
		return nil, fmt.Errorf("short term MA period must be less than long term MA period")
	}
	return &Strategy{cfg: cfg, logger: logger}, nil
}

// RequiredDataPoints returns the minimum number of klines needed for the
// strategy calculations. RSI looks one step further back than its period.
func (s *Strategy) RequiredDataPoints() int {
	maxPeriod := s.cfg.LongTermMAPeriod
	if s.cfg.EMAPeriod > maxPeriod {
		maxPeriod = s.cfg.EMAPeriod
	}
	if s.cfg.RSIPeriod > maxPeriod {
		maxPeriod = s.cfg.RSIPeriod
	}
	return maxPeriod + 1
}

// Evaluate returns the strategy's decision for one symbol given its recent
// price window and current price.
func (s *Strategy) Evaluate(ctx context.Context, symbol string, klines []*domain.Kline, currentPrice float64) domain.Signal {
	hold := domain.Signal{Symbol: symbol, Action: domain.SignalHold}

	requiredPoints := s.RequiredDataPoints()
	if len(klines) < requiredPoints {
		s.logger.Debug(ctx, "Not enough kline data for strategy evaluation",
			map[string]interface{}{"symbol": symbol, "available": len(klines), "required": requiredPoints})
		return hold
	}

	shortTermMA, err := indicators.SMA(klines, s.cfg.ShortTermMAPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate short term MA", map[string]interface{}{"symbol": symbol})
		return hold
	}
	longTermMA, err := indicators.SMA(klines, s.cfg.LongTermMAPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate long term MA", map[string]interface{}{"symbol": symbol})
		return hold
	}
	ema, err := indicators.EMA(klines, s.cfg.EMAPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate EMA", map[string]interface{}{"symbol": symbol})
		return hold
	}
	rsi, err := indicators.RSI(klines, s.cfg.RSIPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate RSI", map[string]interface{}{"symbol": symbol})
		return hold
	}

	isTrendingUp := currentPrice > shortTermMA && currentPrice > longTermMA && shortTermMA > longTermMA
	isNotOverbought := rsi < s.cfg.RSIOverbought
	isAboveEMA := currentPrice > ema

	if isTrendingUp && isNotOverbought && isAboveEMA {
		s.logger.Info(ctx, "Entry conditions met", map[string]interface{}{
			"symbol":       symbol,
			"currentPrice": currentPrice,
			"shortMA":      shortTermMA,
			"longMA":       longTermMA,
			"ema":          ema,
			"rsi":          rsi,
		})
		return domain.Signal{
			Symbol: symbol,
			Action: domain.SignalEnter,
			Side:   domain.Long,
			Reason: fmt.Sprintf("uptrend: price %.2f above MAs (%.2f/%.2f), RSI %.1f", currentPrice, shortTermMA, longTermMA, rsi),
		}
	}

	// Trend break: price fell back under both moving averages.
	if currentPrice < shortTermMA && currentPrice < longTermMA {
		return domain.Signal{
			Symbol: symbol,
			Action: domain.SignalExit,
			Reason: fmt.Sprintf("trend break: price %.2f below MAs (%.2f/%.2f)", currentPrice, shortTermMA, longTermMA),
		}
	}

	s.logger.Debug(ctx, "Entry conditions not met", map[string]interface{}{
		"symbol":          symbol,
		"currentPrice":    currentPrice,
		"shortMA":         shortTermMA,
		"longMA":          longTermMA,
		"ema":             ema,
		"rsi":             rsi,
		"isTrendingUp":    isTrendingUp,
		"isNotOverbought": isNotOverbought,
		"isAboveEMA":      isAboveEMA,
	})
	return hold
}
