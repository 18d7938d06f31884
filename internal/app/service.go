// Package app wires the trading loop together: it owns the evaluation
// ticker, fans work out per symbol, and routes operator commands. All order
// mutation goes through the engine; the service never touches the exchange
// for anything but reads.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"bracketbot/config"
	"bracketbot/internal/domain"
	"bracketbot/internal/engine"
	"bracketbot/internal/monitoring"
	"bracketbot/internal/ports"
	"bracketbot/internal/risk"
	"bracketbot/internal/sizing"
)

const (
	klineInterval     = "1m"
	maxKlineFetch     = 500
	shutdownReconcile = 30 * time.Second
)

// CommandSource supplies operator commands, e.g. the Telegram long-poll.
type CommandSource interface {
	Enabled() bool
	Commands(ctx context.Context) ([]string, error)
}

// Service orchestrates the trading bot's operations.
type Service struct {
	cfg      *config.Config
	logger   ports.Logger
	exchange ports.ExchangeClient
	store    ports.PositionStore
	ledger   ports.LedgerStore
	strategy ports.Strategy
	risk     *risk.Manager
	engine   *engine.Engine
	notifier ports.Notifier
	commands CommandSource
	filters  map[string]sizing.Filter
}

// Deps bundles the collaborators for NewService.
type Deps struct {
	Logger   ports.Logger
	Exchange ports.ExchangeClient
	Store    ports.PositionStore
	Ledger   ports.LedgerStore
	Strategy ports.Strategy
	Risk     *risk.Manager
	Engine   *engine.Engine
	Notifier ports.Notifier
	Commands CommandSource // optional
	Filters  map[string]sizing.Filter
}

// NewService creates the application service.
func NewService(cfg *config.Config, d Deps) (*Service, error) {
	if cfg == nil || d.Logger == nil || d.Exchange == nil || d.Store == nil || d.Ledger == nil ||
		d.Strategy == nil || d.Risk == nil || d.Engine == nil || d.Notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for service")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	if cfg.EvalInterval <= 0 {
		return nil, fmt.Errorf("EvalInterval must be positive")
	}
	return &Service{
		cfg:      cfg,
		logger:   d.Logger,
		exchange: d.Exchange,
		store:    d.Store,
		ledger:   d.Ledger,
		strategy: d.Strategy,
		risk:     d.Risk,
		engine:   d.Engine,
		notifier: d.Notifier,
		commands: d.Commands,
		filters:  d.Filters,
	}, nil
}

// Run starts the evaluation loop and blocks until shutdown. On exit every
// in-flight symbol evaluation has finished and a final reconciliation pass
// has run.
func (s *Service) Run(ctx context.Context) error {
	op := "Run"
	s.logger.Info(ctx, op+": Starting trading service", map[string]interface{}{
		"symbols":      s.cfg.Symbols,
		"evalInterval": s.cfg.EvalInterval.String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, op+": Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clock sanity before anything else; a skewed clock invalidates every
	// signed request and every freshness judgment.
	s.observeClock(ctx)

	// Startup reconciliation: align persisted state with exchange truth
	// before any new order is considered.
	if err := s.engine.Reconcile(ctx); err != nil {
		s.logger.Error(ctx, err, op+": Startup reconciliation reported failures")
		s.notifier.Notify(ctx, ports.SeverityWarning, fmt.Sprintf("startup reconciliation incomplete: %v", err))
	}

	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, op+": Shutting down")
			// Final pass with a fresh context: the loop context is already
			// canceled, but outstanding orders still need reconciling.
			shCtx, shCancel := context.WithTimeout(context.Background(), shutdownReconcile)
			if err := s.engine.Reconcile(shCtx); err != nil {
				s.logger.Error(shCtx, err, op+": Shutdown reconciliation reported failures")
			}
			shCancel()
			s.logger.Info(context.Background(), op+": Trading service stopped")
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle executes one evaluation cycle across all symbols.
func (s *Service) runCycle(ctx context.Context) {
	op := "runCycle"
	start := time.Now()
	defer func() { monitoring.ObserveCycle(time.Since(start)) }()

	s.observeClock(ctx)
	s.observeAccount(ctx)
	s.processCommands(ctx)

	open, err := s.store.FindOpen(ctx)
	if err != nil {
		s.logger.Error(ctx, err, op+": Failed to load open positions, skipping cycle")
		return
	}
	monitoring.SetOpenPositions(len(open))
	s.risk.SyncOpenCount(len(open))

	var wg sync.WaitGroup
	for _, symbol := range s.cfg.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			if err := s.evaluateSymbol(ctx, sym); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, err, op+": Symbol evaluation failed", map[string]interface{}{"symbol": sym})
			}
		}(symbol)
	}
	wg.Wait()
}

// evaluateSymbol runs one cycle of management or entry consideration for a
// single symbol. Failures are contained here; other symbols are unaffected.
func (s *Service) evaluateSymbol(ctx context.Context, symbol string) error {
	required := s.strategy.RequiredDataPoints()
	if atrNeed := s.cfg.ATRPeriod + 1; atrNeed > required {
		required = atrNeed
	}
	if required > maxKlineFetch {
		required = maxKlineFetch
	}

	klines, err := s.exchange.GetKlines(ctx, symbol, klineInterval, required)
	if err != nil {
		return fmt.Errorf("failed to fetch klines: %w", err)
	}
	now := time.Now()
	var last *domain.Kline
	if len(klines) > 0 {
		last = klines[len(klines)-1]
	}
	s.risk.ObserveMarketData(ctx, last, now)

	price, err := s.exchange.GetTickerPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch ticker price: %w", err)
	}
	monitoring.SetPrice(symbol, price)

	pos, err := s.store.FindOpenBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}

	if pos != nil {
		return s.manageOpen(ctx, pos, klines, price)
	}
	return s.considerEntry(ctx, symbol, klines, price)
}

// manageOpen runs fill detection and trailing management, then applies any
// strategy exit signal to what is still open afterwards.
func (s *Service) manageOpen(ctx context.Context, pos *domain.Position, klines []*domain.Kline, price float64) error {
	if err := s.engine.ManageTick(ctx, pos, klines, price); err != nil {
		return fmt.Errorf("management tick failed: %w", err)
	}
	if pos.Status.Terminal() {
		return nil
	}

	sig := s.strategy.Evaluate(ctx, pos.Symbol, klines, price)
	if sig.Action == domain.SignalExit {
		s.logger.Info(ctx, "Strategy exit signal", map[string]interface{}{
			"symbol": pos.Symbol,
			"reason": sig.Reason,
		})
		if err := s.engine.ForceClose(ctx, pos.Symbol, domain.CloseReasonSignal); err != nil {
			return fmt.Errorf("signal close failed: %w", err)
		}
	}
	return nil
}

// considerEntry runs the entry pipeline: strategy, risk approval, sizing,
// then the engine.
func (s *Service) considerEntry(ctx context.Context, symbol string, klines []*domain.Kline, price float64) error {
	op := "considerEntry"

	sig := s.strategy.Evaluate(ctx, symbol, klines, price)
	if sig.Action != domain.SignalEnter {
		return nil
	}

	// Approval reserves a slot against the limit; with several symbols
	// signalling in one cycle, only as many approvals as free slots pass.
	if err := s.risk.Approve(ctx, symbol); err != nil {
		var veto *risk.Veto
		if errors.As(err, &veto) {
			monitoring.RecordRiskVeto(string(veto.Code))
			return nil
		}
		return fmt.Errorf("risk approval failed: %w", err)
	}

	filter, ok := s.filters[symbol]
	if !ok {
		return fmt.Errorf("no exchange filter configured for %s", symbol)
	}
	qty, err := sizing.Quantity(s.cfg.RiskBudget, price, filter)
	if err != nil {
		// Below-minimum sizing is "do not trade", not a fault.
		s.logger.Debug(ctx, op+": Entry skipped by sizer", map[string]interface{}{
			"symbol": symbol,
			"price":  price,
			"reason": err.Error(),
		})
		return nil
	}

	s.logger.Info(ctx, op+": Opening position", map[string]interface{}{
		"symbol":   symbol,
		"side":     sig.Side,
		"quantity": qty,
		"price":    price,
		"reason":   sig.Reason,
	})
	if _, err := s.engine.Open(ctx, sig, qty); err != nil {
		return fmt.Errorf("entry failed: %w", err)
	}
	return nil
}

// observeAccount refreshes the equity view for drawdown tracking.
func (s *Service) observeAccount(ctx context.Context) {
	snap, err := s.exchange.GetAccountSnapshot(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Failed to refresh account snapshot", map[string]interface{}{"error": err.Error()})
		return
	}
	s.risk.ObserveEquity(ctx, snap.Equity)
	monitoring.SetEquity(snap.Equity)
	monitoring.SetDrawdown(s.risk.State().Drawdown)
}

// observeClock compares local time with the exchange's.
func (s *Service) observeClock(ctx context.Context) {
	serverTime, err := s.exchange.GetServerTime(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Failed to fetch exchange server time", map[string]interface{}{"error": err.Error()})
		return
	}
	s.risk.ObserveClock(ctx, time.Now(), serverTime)
}

// processCommands drains and executes pending operator commands.
func (s *Service) processCommands(ctx context.Context) {
	op := "processCommands"
	if s.commands == nil || !s.commands.Enabled() {
		return
	}
	cmds, err := s.commands.Commands(ctx)
	if err != nil {
		s.logger.Warn(ctx, op+": Failed to poll operator commands", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, cmd := range cmds {
		s.handleCommand(ctx, cmd)
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd string) {
	op := "handleCommand"
	fields := strings.Fields(strings.TrimSpace(cmd))
	if len(fields) == 0 {
		return
	}
	s.logger.Info(ctx, op+": Operator command", map[string]interface{}{"command": cmd})

	switch strings.ToLower(fields[0]) {
	case "/status":
		st, err := s.Status(ctx)
		if err != nil {
			s.notifier.Notify(ctx, ports.SeverityWarning, fmt.Sprintf("status unavailable: %v", err))
			return
		}
		s.notifier.Notify(ctx, ports.SeverityInfo, formatStatus(st))
	case "/close":
		if len(fields) < 2 {
			s.notifier.Notify(ctx, ports.SeverityWarning, "usage: /close SYMBOL")
			return
		}
		symbol := strings.ToUpper(fields[1])
		if err := s.engine.ForceClose(ctx, symbol, domain.CloseReasonOperator); err != nil {
			s.notifier.Notify(ctx, ports.SeverityWarning, fmt.Sprintf("close %s failed: %v", symbol, err))
			return
		}
		s.notifier.Notify(ctx, ports.SeverityInfo, fmt.Sprintf("close requested for %s done", symbol))
	default:
		s.notifier.Notify(ctx, ports.SeverityInfo, "commands: /status, /close SYMBOL")
	}
}

// Status is the operator surface: open positions, portfolio risk view and
// realized results.
type Status struct {
	Positions   []*domain.Position
	Risk        domain.RiskState
	RealizedPNL float64 // last 24h
	GeneratedAt time.Time
}

// Status assembles the current operator view.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	open, err := s.store.FindOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}
	pnl, err := s.ledger.RealizedPNLSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to sum realized P&L: %w", err)
	}
	s.risk.SyncOpenCount(len(open))
	return &Status{
		Positions:   open,
		Risk:        s.risk.State(),
		RealizedPNL: pnl,
		GeneratedAt: time.Now(),
	}, nil
}

func formatStatus(st *Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "equity %.2f, drawdown %.2f%%, open %d, 24h P&L %.4f",
		st.Risk.Equity, st.Risk.Drawdown*100, len(st.Positions), st.RealizedPNL)
	if st.Risk.Paused {
		b.WriteString(" [ENTRIES PAUSED]")
	}
	for _, p := range st.Positions {
		fmt.Fprintf(&b, "\n%s %s %s qty %.6f entry %.2f stop %.2f tp %.2f",
			p.Symbol, p.Side, p.Status, p.Quantity, p.EntryPrice, p.StopPrice, p.TakeProfit)
	}
	return b.String()
}
