package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockNotifier struct {
	messages   []string
	severities []ports.Severity
}

func (m *mockNotifier) Notify(ctx context.Context, severity ports.Severity, message string) {
	m.severities = append(m.severities, severity)
	m.messages = append(m.messages, message)
}

func newTestManager(t *testing.T) (*Manager, *mockNotifier) {
	t.Helper()
	n := &mockNotifier{}
	m, err := NewManager(Config{
		MaxOpenPositions: 3,
		MaxDrawdownPct:   0.20,
		StaleDataLimit:   2 * time.Minute,
		ClockSkewLimit:   5 * time.Second,
	}, &mockLogger{}, n)
	require.NoError(t, err)
	return m, n
}

func TestNewManagerValidation(t *testing.T) {
	n := &mockNotifier{}
	cases := []Config{
		{MaxOpenPositions: 0, MaxDrawdownPct: 0.2, StaleDataLimit: time.Minute, ClockSkewLimit: time.Second},
		{MaxOpenPositions: 3, MaxDrawdownPct: 0, StaleDataLimit: time.Minute, ClockSkewLimit: time.Second},
		{MaxOpenPositions: 3, MaxDrawdownPct: 1.5, StaleDataLimit: time.Minute, ClockSkewLimit: time.Second},
		{MaxOpenPositions: 3, MaxDrawdownPct: 0.2, StaleDataLimit: 0, ClockSkewLimit: time.Second},
	}
	for _, cfg := range cases {
		_, err := NewManager(cfg, &mockLogger{}, n)
		assert.Error(t, err)
	}
	_, err := NewManager(Config{MaxOpenPositions: 3, MaxDrawdownPct: 0.2, StaleDataLimit: time.Minute, ClockSkewLimit: time.Second}, nil, n)
	assert.Error(t, err)
}

func TestApproveMaxPositions(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()
	m.ObserveEquity(ctx, 1000)

	m.SyncOpenCount(2)
	assert.NoError(t, m.Approve(ctx, "ETHUSDT"))

	err := m.Approve(ctx, "ETHUSDT")
	require.Error(t, err)
	var veto *Veto
	require.True(t, errors.As(err, &veto))
	assert.Equal(t, domain.VetoMaxPositions, veto.Code)
	assert.NotEmpty(t, n.messages, "veto must produce an alert")
}

func TestApproveReservesSlot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.ObserveEquity(ctx, 1000)

	// Limit 3, two already open: exactly one more approval may pass, even
	// when the candidates race ahead of the store catching up.
	m.SyncOpenCount(2)
	approved := 0
	for _, sym := range []string{"ETHUSDT", "BTCUSDT", "SOLUSDT"} {
		if m.Approve(ctx, sym) == nil {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 3, m.State().OpenPositions)

	// The next sync restores the store's truth, releasing any reservation
	// whose entry never opened.
	m.SyncOpenCount(2)
	assert.NoError(t, m.Approve(ctx, "ETHUSDT"))
}

func TestDrawdownPausesAndRecovers(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()

	m.ObserveEquity(ctx, 1000) // seed HWM
	m.ObserveEquity(ctx, 1100) // new peak
	assert.Equal(t, 1100.0, m.State().HighWaterMark)

	// Minor drawdown: still trading.
	m.ObserveEquity(ctx, 1000)
	assert.False(t, m.State().Paused)
	assert.NoError(t, m.Approve(ctx, "ETHUSDT"))

	// HWM does not retreat.
	assert.Equal(t, 1100.0, m.State().HighWaterMark)

	// Breach the 20% ceiling: 1100 -> 850 is ~22.7%.
	m.ObserveEquity(ctx, 850)
	st := m.State()
	assert.True(t, st.Paused)
	assert.InDelta(t, 0.227, st.Drawdown, 0.001)
	assert.Equal(t, ports.SeverityCritical, n.severities[len(n.severities)-1])

	err := m.Approve(ctx, "ETHUSDT")
	var veto *Veto
	require.True(t, errors.As(err, &veto))
	assert.Equal(t, domain.VetoDrawdown, veto.Code)

	// Recovery above the ceiling resumes entries.
	m.ObserveEquity(ctx, 1000)
	assert.False(t, m.State().Paused)
	assert.NoError(t, m.Approve(ctx, "ETHUSDT"))
}

func TestStaleDataVeto(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.ObserveEquity(ctx, 1000)
	now := time.Now()

	fresh := &domain.Kline{CloseTime: now.Add(-30 * time.Second)}
	m.ObserveMarketData(ctx, fresh, now)
	assert.NoError(t, m.Approve(ctx, "ETHUSDT"))

	stale := &domain.Kline{CloseTime: now.Add(-10 * time.Minute)}
	m.ObserveMarketData(ctx, stale, now)
	err := m.Approve(ctx, "ETHUSDT")
	var veto *Veto
	require.True(t, errors.As(err, &veto))
	assert.Equal(t, domain.VetoStaleData, veto.Code)

	m.ObserveMarketData(ctx, nil, now)
	assert.Error(t, m.Approve(ctx, "ETHUSDT"))
}

func TestClockSkewVeto(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.ObserveEquity(ctx, 1000)
	now := time.Now()

	m.ObserveClock(ctx, now, now.Add(-2*time.Second))
	assert.NoError(t, m.Approve(ctx, "ETHUSDT"))

	m.ObserveClock(ctx, now, now.Add(-30*time.Second))
	err := m.Approve(ctx, "ETHUSDT")
	var veto *Veto
	require.True(t, errors.As(err, &veto))
	assert.Equal(t, domain.VetoClockSkew, veto.Code)
}

func TestStateSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.ObserveEquity(ctx, 500)
	m.SyncOpenCount(2)
	st := m.State()
	assert.Equal(t, 2, st.OpenPositions)
	assert.Equal(t, 500.0, st.Equity)
	assert.True(t, st.DataFresh)
	assert.True(t, st.ClockInSync)
}
