package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SecurityKind 表示标的的证券类别。
type SecurityKind string

const (
	KindEquity       SecurityKind = "equity"
	KindOption       SecurityKind = "option"
	KindIndexOption  SecurityKind = "index_option"
	KindFuture       SecurityKind = "future"
	KindFutureOption SecurityKind = "future_option"
	KindForex        SecurityKind = "forex"
	KindCFD          SecurityKind = "cfd"
	KindCrypto       SecurityKind = "crypto"
	KindCryptoFuture SecurityKind = "crypto_future"
)

// ParseSecurityKind 将配置中的字符串解析为证券类别。
func ParseSecurityKind(s string) (SecurityKind, error) {
	kind := SecurityKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case KindEquity, KindOption, KindIndexOption, KindFuture, KindFutureOption,
		KindForex, KindCFD, KindCrypto, KindCryptoFuture:
		return kind, nil
	default:
		return "", fmt.Errorf("marketdata: 未知证券类别 %q", s)
	}
}

// IsOption 判断是否为期权类。
func (k SecurityKind) IsOption() bool {
	return k == KindOption || k == KindIndexOption || k == KindFutureOption
}

// IsCrypto 判断是否为加密资产类。
func (k SecurityKind) IsCrypto() bool {
	return k == KindCrypto || k == KindCryptoFuture
}

// NeedsChain 判断该类别是否需要依赖合约链才能确定具体合约。
func (k SecurityKind) NeedsChain() bool {
	switch k {
	case KindOption, KindIndexOption, KindFuture, KindFutureOption:
		return true
	default:
		return false
	}
}

// Right 表示期权方向，数值上看涨大于看跌，便于降序比较。
type Right uint8

const (
	RightPut Right = iota
	RightCall
)

func (r Right) String() string {
	if r == RightCall {
		return "call"
	}
	return "put"
}

// Resolution 表示行情数据粒度。
type Resolution string

const (
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDaily  Resolution = "daily"
)

// ParseResolution 解析数据粒度。
func ParseResolution(s string) (Resolution, error) {
	res := Resolution(strings.ToLower(strings.TrimSpace(s)))
	switch res {
	case ResolutionMinute, ResolutionHour, ResolutionDaily:
		return res, nil
	default:
		return "", fmt.Errorf("marketdata: 未知数据粒度 %q", s)
	}
}

// Duration 返回单根Bar覆盖的时长。
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionHour:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// DataKind 表示行情数据种类。
type DataKind string

const (
	DataTrade DataKind = "trade"
	DataQuote DataKind = "quote"
)

// ParseDataKind 解析数据种类。
func ParseDataKind(s string) (DataKind, error) {
	kind := DataKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case DataTrade, DataQuote:
		return kind, nil
	default:
		return "", fmt.Errorf("marketdata: 未知数据种类 %q", s)
	}
}

// Contract 表示链中的一个具体合约。
type Contract struct {
	Symbol     string
	Root       string
	Kind       SecurityKind
	Expiry     time.Time
	Strike     float64
	Right      Right
	Underlying float64
}

// Chain 为共享同一根标识的合约集合。
type Chain struct {
	Root      string
	Contracts []Contract
}

// Empty 判断链是否无合约。
func (c Chain) Empty() bool {
	return len(c.Contracts) == 0
}

// Bar 代表单根行情Bar。
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Snapshot 为一次行情推送的完整快照。
type Snapshot struct {
	Time   time.Time
	Chains map[string]Chain
	Prices map[string]float64
}

// Price 返回标的最新价格，价格尚未出现时第二个返回值为 false。
func (s Snapshot) Price(symbol string) (float64, bool) {
	p, ok := s.Prices[symbol]
	return p, ok
}

// Chain 返回指定根标识的合约链。
func (s Snapshot) Chain(root string) (Chain, bool) {
	c, ok := s.Chains[root]
	return c, ok
}

// SnapshotProvider 按时间顺序提供行情快照，流结束时返回 false。
type SnapshotProvider interface {
	Next(ctx context.Context) (Snapshot, bool, error)
}

// HistorySource 提供历史行情回看查询。
type HistorySource interface {
	History(ctx context.Context, symbol string, lookback int, res Resolution, kind DataKind) ([]Bar, error)
}
