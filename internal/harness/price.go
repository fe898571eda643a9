package harness

import (
	"math"

	"broker-conformance/internal/marketdata"
)

const (
	optionPriceThreshold = 2.95
	optionTick           = 0.05
	offsetRate           = 0.001
	offsetCap            = 0.25
)

// offsetDelta 计算相对现价的报价偏移量。期权价格达到门槛时固定偏移一个
// 最小变动价位，其余情形取千分之一现价与上限中的较小者。
func offsetDelta(kind marketdata.SecurityKind, price float64) float64 {
	if kind.IsOption() && price >= optionPriceThreshold {
		return optionTick
	}
	return math.Min(price*offsetRate, offsetCap)
}

// offsetPrice 返回偏移后的委托价格，above 为真时报在市价上方。
func offsetPrice(kind marketdata.SecurityKind, price float64, above bool) float64 {
	delta := offsetDelta(kind, price)
	if !above {
		delta = -delta
	}
	result := price + delta
	if kind.IsOption() && price >= optionPriceThreshold {
		result = math.Round(result/optionTick) * optionTick
	}
	return result
}
