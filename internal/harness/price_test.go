package harness

import (
	"math"
	"testing"

	"broker-conformance/internal/marketdata"
)

func TestOffsetDelta_NonOptionUsesRateWithCap(t *testing.T) {
	cases := []struct {
		name  string
		kind  marketdata.SecurityKind
		price float64
		want  float64
	}{
		{"equity below cap", marketdata.KindEquity, 100, 0.1},
		{"equity hits cap", marketdata.KindEquity, 430, 0.25},
		{"forex tiny offset", marketdata.KindForex, 1.1, 0.0011},
		{"crypto hits cap", marketdata.KindCrypto, 65000, 0.25},
		{"future below cap", marketdata.KindFuture, 50, 0.05},
	}
	for _, tc := range cases {
		got := offsetDelta(tc.kind, tc.price)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: offsetDelta(%s, %v) = %v, want %v", tc.name, tc.kind, tc.price, got, tc.want)
		}
	}
}

func TestOffsetDelta_OptionThreshold(t *testing.T) {
	if got := offsetDelta(marketdata.KindOption, 3.10); got != 0.05 {
		t.Errorf("option at 3.10 should use fixed tick, got %v", got)
	}
	if got := offsetDelta(marketdata.KindOption, 2.95); got != 0.05 {
		t.Errorf("option exactly at threshold should use fixed tick, got %v", got)
	}
	if got := offsetDelta(marketdata.KindOption, 2.0); math.Abs(got-0.002) > 1e-9 {
		t.Errorf("option below threshold should fall back to rate, got %v", got)
	}
	if got := offsetDelta(marketdata.KindIndexOption, 10); got != 0.05 {
		t.Errorf("index option should use fixed tick, got %v", got)
	}
}

func TestOffsetPrice_SignFollowsAboveFlag(t *testing.T) {
	above := offsetPrice(marketdata.KindEquity, 100, true)
	below := offsetPrice(marketdata.KindEquity, 100, false)
	if math.Abs(above-100.1) > 1e-9 {
		t.Errorf("above offset = %v, want 100.1", above)
	}
	if math.Abs(below-99.9) > 1e-9 {
		t.Errorf("below offset = %v, want 99.9", below)
	}
}

func TestOffsetPrice_OptionRoundsToTickGrid(t *testing.T) {
	above := offsetPrice(marketdata.KindOption, 3.02, true)
	if math.Abs(above-3.05) > 1e-9 {
		t.Errorf("above offset = %v, want 3.05 on the 0.05 grid", above)
	}
	below := offsetPrice(marketdata.KindOption, 3.02, false)
	if math.Abs(below-2.95) > 1e-9 {
		t.Errorf("below offset = %v, want 2.95 on the 0.05 grid", below)
	}

	// 便宜期权走比例偏移，不做网格取整。
	cheap := offsetPrice(marketdata.KindOption, 2.0, false)
	if math.Abs(cheap-1.998) > 1e-9 {
		t.Errorf("cheap option below offset = %v, want 1.998", cheap)
	}
}
