package strategy

import (
	"context"
	"testing"
	"time"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	debugMsgs []string
	infoMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

func klinesFromCloses(closes ...float64) []*domain.Kline {
	now := time.Now()
	out := make([]*domain.Kline, len(closes))
	for i, c := range closes {
		out[i] = &domain.Kline{
			OpenTime:  now.Add(time.Duration(i-len(closes)) * time.Minute),
			CloseTime: now.Add(time.Duration(i-len(closes)+1) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
		}
	}
	return out
}

func testStrategyConfig() Config {
	return Config{
		ShortTermMAPeriod: 2,
		LongTermMAPeriod:  3,
		EMAPeriod:         2,
		RSIPeriod:         2,
		RSIOverbought:     95.0,
		RSIOversold:       30.0,
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		logger  ports.Logger
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     testStrategyConfig(),
			logger:  &mockLogger{},
			wantErr: false,
		},
		{
			name:    "nil logger",
			cfg:     testStrategyConfig(),
			logger:  nil,
			wantErr: true,
		},
		{
			name: "zero period",
			cfg: Config{
				ShortTermMAPeriod: 0,
				LongTermMAPeriod:  3,
				EMAPeriod:         2,
				RSIPeriod:         2,
				RSIOverbought:     95.0,
			},
			logger:  &mockLogger{},
			wantErr: true,
		},
		{
			name: "short MA not shorter than long MA",
			cfg: Config{
				ShortTermMAPeriod: 3,
				LongTermMAPeriod:  3,
				EMAPeriod:         2,
				RSIPeriod:         2,
				RSIOverbought:     95.0,
			},
			logger:  &mockLogger{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, tt.logger)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, s)
			} else {
				require.NoError(t, err)
				require.NotNil(t, s)
			}
		})
	}
}

func TestRequiredDataPoints(t *testing.T) {
	s, err := New(testStrategyConfig(), &mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, 4, s.RequiredDataPoints())

	cfg := testStrategyConfig()
	cfg.RSIPeriod = 14
	s, err = New(cfg, &mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, 15, s.RequiredDataPoints())
}

func TestEvaluate(t *testing.T) {
	// Closes 100, 103, 102, 105:
	//   shortMA = (102+105)/2 = 103.5
	//   longMA  = (103+102+105)/3 = 103.33
	//   RSI(2)  = 90 (gains 3 and 3, one loss of 1)
	uptrend := klinesFromCloses(100, 103, 102, 105)

	tests := []struct {
		name         string
		cfg          Config
		klines       []*domain.Kline
		currentPrice float64
		wantAction   domain.SignalAction
		wantSide     domain.Side
	}{
		{
			name:         "uptrend enters long",
			cfg:          testStrategyConfig(),
			klines:       uptrend,
			currentPrice: 106,
			wantAction:   domain.SignalEnter,
			wantSide:     domain.Long,
		},
		{
			name:         "price below both MAs exits",
			cfg:          testStrategyConfig(),
			klines:       uptrend,
			currentPrice: 100,
			wantAction:   domain.SignalExit,
		},
		{
			name:         "price between MAs holds",
			cfg:          testStrategyConfig(),
			klines:       uptrend,
			currentPrice: 103.4,
			wantAction:   domain.SignalHold,
		},
		{
			name: "overbought blocks entry",
			cfg: func() Config {
				c := testStrategyConfig()
				c.RSIOverbought = 85.0
				return c
			}(),
			klines:       uptrend,
			currentPrice: 106,
			wantAction:   domain.SignalHold,
		},
		{
			name:         "insufficient data holds",
			cfg:          testStrategyConfig(),
			klines:       klinesFromCloses(100, 103, 102),
			currentPrice: 106,
			wantAction:   domain.SignalHold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, &mockLogger{})
			require.NoError(t, err)

			sig := s.Evaluate(context.Background(), "ETHUSDT", tt.klines, tt.currentPrice)
			assert.Equal(t, "ETHUSDT", sig.Symbol)
			assert.Equal(t, tt.wantAction, sig.Action)
			if tt.wantSide != "" {
				assert.Equal(t, tt.wantSide, sig.Side)
			}
			if tt.wantAction != domain.SignalHold {
				assert.NotEmpty(t, sig.Reason)
			}
		})
	}
}
