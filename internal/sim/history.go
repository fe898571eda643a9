package sim

import (
	"context"
	"errors"
	"math"
	"time"

	"broker-conformance/internal/marketdata"
)

// History 基于确定性序列回放历史行情，总是返回请求的条数。
type History struct {
	end time.Time
}

// NewHistory 构造历史数据源，end 为回看窗口的右端点。
func NewHistory(end time.Time) *History {
	if end.IsZero() {
		end = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	}
	return &History{end: end}
}

// History 生成以 end 结尾、间隔由粒度决定的 lookback 根Bar。
// 报价类数据在成交序列上加半个点差。
func (h *History) History(ctx context.Context, symbol string, lookback int, res marketdata.Resolution, kind marketdata.DataKind) ([]marketdata.Bar, error) {
	if lookback <= 0 {
		return nil, errors.New("sim: lookback 必须为正数")
	}
	step := res.Duration()
	base := symbolBase(symbol)
	spread := 0.0
	if kind == marketdata.DataQuote {
		spread = base * 0.0005
	}

	bars := make([]marketdata.Bar, 0, lookback)
	start := h.end.Add(-time.Duration(lookback) * step)
	for i := 0; i < lookback; i++ {
		ts := start.Add(time.Duration(i) * step)
		mid := base * (1 + 0.005*math.Sin(float64(i)/5))
		bars = append(bars, marketdata.Bar{
			Time:   ts,
			Open:   mid*0.999 + spread,
			High:   mid*1.002 + spread,
			Low:    mid*0.998 + spread,
			Close:  mid + spread,
			Volume: 1000 + float64(i%7)*100,
		})
	}
	return bars, nil
}

// symbolBase 从符号字节确定性导出基准价，保证不同标的序列互异。
func symbolBase(symbol string) float64 {
	sum := 0
	for _, b := range []byte(symbol) {
		sum += int(b)
	}
	return 50 + float64(sum%200)
}
