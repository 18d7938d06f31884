// Package risk is the portfolio-level gatekeeper. It approves or vetoes
// proposed entries and tracks account drawdown against a high-water mark.
// It only reads position state; forced exits are routed back through the
// execution engine.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"
)

// Config holds the risk limits.
type Config struct {
	MaxOpenPositions int           // reject entries at or above this count
	MaxDrawdownPct   float64       // fraction of peak equity; breach pauses new entries
	StaleDataLimit   time.Duration // oldest acceptable market data for an entry decision
	ClockSkewLimit   time.Duration // max tolerated |local - exchange| clock difference
}

// Veto explains a rejected entry. A vetoed signal is never silently
// discarded: every veto is alerted with its reason code.
type Veto struct {
	Code   domain.VetoCode
	Reason string
}

func (v *Veto) Error() string {
	return fmt.Sprintf("entry vetoed (%s): %s", v.Code, v.Reason)
}

// Manager enforces the portfolio risk rules.
type Manager struct {
	cfg      Config
	logger   ports.Logger
	notifier ports.Notifier

	mu            sync.Mutex
	highWaterMark float64
	equity        float64
	openPositions int
	paused        bool
	dataFresh     bool
	clockInSync   bool
	clockSkew     time.Duration
}

// NewManager creates a risk manager. The initial equity seeds the
// high-water mark; it is refined on the first account snapshot.
func NewManager(cfg Config, logger ports.Logger, notifier ports.Notifier) (*Manager, error) {
	if logger == nil || notifier == nil {
		return nil, fmt.Errorf("logger and notifier are required for risk manager")
	}
	if cfg.MaxOpenPositions <= 0 {
		return nil, fmt.Errorf("MaxOpenPositions must be positive")
	}
	if cfg.MaxDrawdownPct <= 0 || cfg.MaxDrawdownPct >= 1 {
		return nil, fmt.Errorf("MaxDrawdownPct must be between 0 and 1 (exclusive)")
	}
	if cfg.StaleDataLimit <= 0 || cfg.ClockSkewLimit <= 0 {
		return nil, fmt.Errorf("StaleDataLimit and ClockSkewLimit must be positive")
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger,
		notifier:    notifier,
		dataFresh:   true,
		clockInSync: true,
	}, nil
}

// ObserveEquity updates the drawdown tracking with the latest account
// equity. The high-water mark never decreases. Crossing the drawdown
// ceiling pauses new entries until equity recovers above it; existing
// positions remain managed and closeable throughout.
func (m *Manager) ObserveEquity(ctx context.Context, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.equity = equity
	if equity > m.highWaterMark {
		if m.highWaterMark > 0 {
			m.logger.Info(ctx, "New equity high-water mark", map[string]interface{}{"equity": equity})
		}
		m.highWaterMark = equity
	}

	dd := m.drawdownLocked()
	breached := dd >= m.cfg.MaxDrawdownPct
	if breached && !m.paused {
		m.paused = true
		msg := fmt.Sprintf("drawdown %.2f%% breached ceiling %.2f%% (equity %.2f, peak %.2f); new entries halted",
			dd*100, m.cfg.MaxDrawdownPct*100, equity, m.highWaterMark)
		m.logger.Warn(ctx, "Risk: drawdown ceiling breached", map[string]interface{}{"drawdown": dd, "equity": equity})
		m.notifier.Notify(ctx, ports.SeverityCritical, msg)
	} else if !breached && m.paused {
		m.paused = false
		m.logger.Info(ctx, "Risk: drawdown recovered, entries resumed", map[string]interface{}{"drawdown": dd})
		m.notifier.Notify(ctx, ports.SeverityInfo, fmt.Sprintf("drawdown recovered to %.2f%%; new entries resumed", dd*100))
	}
}

// ObserveMarketData records how fresh the latest candle for a symbol is.
func (m *Manager) ObserveMarketData(ctx context.Context, lastKline *domain.Kline, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastKline == nil {
		m.dataFresh = false
		return
	}
	m.dataFresh = lastKline.Age(now) <= m.cfg.StaleDataLimit
}

// ObserveClock records the skew between the local clock and the exchange's.
func (m *Manager) ObserveClock(ctx context.Context, local, exchange time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skew := local.Sub(exchange)
	if skew < 0 {
		skew = -skew
	}
	m.clockSkew = skew
	m.clockInSync = skew <= m.cfg.ClockSkewLimit
}

// SyncOpenCount resets the tracked open-position count to the store's
// truth. Called once per cycle before any entry is considered; reservations
// taken by approvals whose entries never opened are corrected here.
func (m *Manager) SyncOpenCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = n
}

// Approve decides whether a proposed new position may be opened. It returns
// nil on approval, or a *Veto describing the rejection. The veto has
// already been alerted by the time Approve returns. An approval reserves a
// position slot under the manager's lock, so concurrent entry candidates
// cannot all pass the limit check against the same count.
func (m *Manager) Approve(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var veto *Veto
	switch {
	case m.openPositions >= m.cfg.MaxOpenPositions:
		veto = &Veto{
			Code:   domain.VetoMaxPositions,
			Reason: fmt.Sprintf("open positions %d at limit %d", m.openPositions, m.cfg.MaxOpenPositions),
		}
	case m.paused:
		veto = &Veto{
			Code:   domain.VetoDrawdown,
			Reason: fmt.Sprintf("entries paused: drawdown %.2f%% over ceiling %.2f%%", m.drawdownLocked()*100, m.cfg.MaxDrawdownPct*100),
		}
	case !m.dataFresh:
		veto = &Veto{
			Code:   domain.VetoStaleData,
			Reason: fmt.Sprintf("market data older than %s", m.cfg.StaleDataLimit),
		}
	case !m.clockInSync:
		veto = &Veto{
			Code:   domain.VetoClockSkew,
			Reason: fmt.Sprintf("clock skew %s exceeds limit %s", m.clockSkew, m.cfg.ClockSkewLimit),
		}
	}

	if veto == nil {
		m.openPositions++
		return nil
	}

	m.logger.Warn(ctx, "Risk: entry vetoed", map[string]interface{}{
		"symbol": symbol,
		"code":   string(veto.Code),
		"reason": veto.Reason,
	})
	m.notifier.Notify(ctx, ports.SeverityWarning, fmt.Sprintf("entry for %s vetoed [%s]: %s", symbol, veto.Code, veto.Reason))
	return veto
}

// State returns the current portfolio risk view for the operator surface.
func (m *Manager) State() domain.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.RiskState{
		OpenPositions: m.openPositions,
		Equity:        m.equity,
		HighWaterMark: m.highWaterMark,
		Drawdown:      m.drawdownLocked(),
		Paused:        m.paused,
		DataFresh:     m.dataFresh,
		ClockInSync:   m.clockInSync,
	}
}

func (m *Manager) drawdownLocked() float64 {
	if m.highWaterMark <= 0 {
		return 0
	}
	dd := (m.highWaterMark - m.equity) / m.highWaterMark
	if dd < 0 {
		return 0
	}
	return dd
}
