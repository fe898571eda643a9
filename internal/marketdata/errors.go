package marketdata

import (
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// ErrMaintenance 表示交易所处于维护状态，上层应跳过本轮行情等待恢复。
var ErrMaintenance = errors.New("exchange on maintenance")

// IsRetryable 判断交易所调用错误是否值得重试。只有网络抖动、限频
// 与响应异常这类瞬时故障才重试，业务性拒绝一律直接上抛。
func IsRetryable(err error) bool {
	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return false
	}

	switch ccxtErr.Type {
	case ccxt.NetworkErrorErrType,
		ccxt.RequestTimeoutErrType,
		ccxt.ExchangeNotAvailableErrType,
		ccxt.RateLimitExceededErrType,
		ccxt.DDoSProtectionErrType,
		ccxt.BadResponseErrType,
		ccxt.NullResponseErrType:
		return true
	default:
		return false
	}
}
