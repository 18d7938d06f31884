package indicators

import (
	"testing"
	"time"

	"bracketbot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klinesFromCloses(closes ...float64) []*domain.Kline {
	now := time.Now()
	out := make([]*domain.Kline, len(closes))
	for i, c := range closes {
		out[i] = &domain.Kline{
			OpenTime:  now.Add(time.Duration(i-len(closes)) * time.Hour),
			CloseTime: now.Add(time.Duration(i-len(closes)+1) * time.Hour),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
		}
	}
	return out
}

func TestATR(t *testing.T) {
	now := time.Now()
	constantRange := func(n int, price, rng float64) []*domain.Kline {
		out := make([]*domain.Kline, n)
		for i := range out {
			out[i] = &domain.Kline{
				OpenTime: now.Add(time.Duration(i-n) * time.Hour),
				Open:     price,
				High:     price + rng/2,
				Low:      price - rng/2,
				Close:    price,
			}
		}
		return out
	}

	tests := []struct {
		name        string
		klines      []*domain.Kline
		period      int
		want        float64
		expectError bool
	}{
		{
			name:   "constant true range",
			klines: constantRange(10, 2000, 10),
			period: 3,
			want:   10,
		},
		{
			name: "gap up widens the true range",
			klines: []*domain.Kline{
				{High: 105, Low: 95, Close: 100},
				{High: 105, Low: 95, Close: 100},
				{High: 105, Low: 95, Close: 100},
				// Opens far above the prior close: TR = high - prevClose = 20.
				{High: 120, Low: 112, Close: 115},
			},
			period: 3,
			// Seed avg(10,10,10) = 10, then (10*2 + 20) / 3.
			want: 13.333333333,
		},
		{
			name:        "insufficient data",
			klines:      constantRange(3, 2000, 10),
			period:      3,
			expectError: true,
		},
		{
			name:        "invalid period",
			klines:      constantRange(10, 2000, 10),
			period:      0,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ATR(tt.klines, tt.period)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestSMA(t *testing.T) {
	klines := klinesFromCloses(100, 102, 104, 106)

	got, err := SMA(klines, 3)
	require.NoError(t, err)
	assert.InDelta(t, 104, got, 1e-9)

	got, err = SMA(klines, 4)
	require.NoError(t, err)
	assert.InDelta(t, 103, got, 1e-9)

	_, err = SMA(klines, 5)
	require.Error(t, err)

	_, err = SMA(klines, 0)
	require.Error(t, err)
}

func TestEMA(t *testing.T) {
	// Seed SMA(100,102,104) = 102, multiplier 0.5:
	// (106-102)*0.5+102 = 104, (108-104)*0.5+104 = 106.
	klines := klinesFromCloses(100, 102, 104, 106, 108)

	got, err := EMA(klines, 3)
	require.NoError(t, err)
	assert.InDelta(t, 106, got, 1e-9)

	_, err = EMA(klines[:2], 3)
	require.Error(t, err)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name        string
		closes      []float64
		period      int
		want        float64
		expectError bool
	}{
		{
			name:   "mixed gains and losses",
			closes: []float64{100, 102, 101, 103, 102, 104},
			period: 3,
			want:   77.272727,
		},
		{
			name:   "all gains",
			closes: []float64{100, 102, 104, 106},
			period: 3,
			want:   100,
		},
		{
			name:   "all losses",
			closes: []float64{106, 104, 102, 100},
			period: 3,
			want:   0,
		},
		{
			name:   "flat prices are neutral",
			closes: []float64{100, 100, 100, 100},
			period: 3,
			want:   50,
		},
		{
			name:        "insufficient data",
			closes:      []float64{100, 102, 101},
			period:      7,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RSI(klinesFromCloses(tt.closes...), tt.period)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}
