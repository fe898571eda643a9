package harness

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"broker-conformance/internal/marketdata"
)

// optionSelector 从链合约中挑选一个期权合约。
type optionSelector func(underlying float64, contracts []marketdata.Contract) (marketdata.Contract, bool)

// futureSelector 从链合约中挑选一个期货合约。
type futureSelector func(now time.Time, contracts []marketdata.Contract) (marketdata.Contract, bool)

// optionContractSelector 按规范根匹配过滤后套用统一排序。
// 指数期权链里会混入周度等非规范根的合约，必须剔除。
func optionContractSelector(root string) optionSelector {
	return func(underlying float64, contracts []marketdata.Contract) (marketdata.Contract, bool) {
		candidates := make([]marketdata.Contract, 0, len(contracts))
		for _, c := range contracts {
			if c.Root != root {
				continue
			}
			candidates = append(candidates, c)
		}
		return pickOption(underlying, candidates)
	}
}

// futureOptionSelector 只按类别过滤，期货期权链不做根匹配。
func futureOptionSelector() optionSelector {
	return func(underlying float64, contracts []marketdata.Contract) (marketdata.Contract, bool) {
		candidates := make([]marketdata.Contract, 0, len(contracts))
		for _, c := range contracts {
			if c.Kind != marketdata.KindFutureOption {
				continue
			}
			candidates = append(candidates, c)
		}
		return pickOption(underlying, candidates)
	}
}

// futureContractSelector 选择到期日严格晚于 now+leadDays 的最近期货，
// 避免拿到临近交割的合约。
func futureContractSelector(leadDays int) futureSelector {
	return func(now time.Time, contracts []marketdata.Contract) (marketdata.Contract, bool) {
		cutoff := now.AddDate(0, 0, leadDays)
		var best marketdata.Contract
		found := false
		for _, c := range contracts {
			if c.Kind != marketdata.KindFuture {
				continue
			}
			if !c.Expiry.After(cutoff) {
				continue
			}
			if !found || c.Expiry.Before(best.Expiry) {
				best = c
				found = true
			}
		}
		return best, found
	}
}

// pickOption 按远期优先、行权价贴近标的、看涨优先的顺序取首个合约。
func pickOption(underlying float64, candidates []marketdata.Contract) (marketdata.Contract, bool) {
	if len(candidates) == 0 {
		return marketdata.Contract{}, false
	}
	if underlying == 0 {
		underlying = firstUnderlying(candidates)
	}
	sorted := make([]marketdata.Contract, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.After(b.Expiry)
		}
		da := math.Abs(a.Strike - underlying)
		db := math.Abs(b.Strike - underlying)
		if da != db {
			return da < db
		}
		if a.Right != b.Right {
			return a.Right > b.Right
		}
		return a.Symbol < b.Symbol
	})
	return sorted[0], true
}

func firstUnderlying(contracts []marketdata.Contract) float64 {
	for _, c := range contracts {
		if c.Underlying != 0 {
			return c.Underlying
		}
	}
	return 0
}

// Resolver 负责把家族解析为可交易的具体合约。
type Resolver struct {
	leadDays int
	logger   *zap.Logger
}

// NewResolver 构造合约解析器。
func NewResolver(leadDays int, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{leadDays: leadDays, logger: logger}
}

// Resolve 尝试用一帧行情解析家族合约。链类家族在链数据缺失
// 或无合格合约时返回 false，等待后续行情帧。
func (r *Resolver) Resolve(family Family, snap marketdata.Snapshot) (marketdata.Contract, bool) {
	if !family.Kind.NeedsChain() {
		return marketdata.Contract{
			Symbol: family.Name,
			Root:   family.Name,
			Kind:   family.Kind,
		}, true
	}

	chain, ok := snap.Chain(family.Root)
	if !ok || chain.Empty() {
		return marketdata.Contract{}, false
	}

	switch family.Kind {
	case marketdata.KindOption, marketdata.KindIndexOption:
		underlying := r.underlyingPrice(family, snap)
		selector := optionContractSelector(family.Root)
		return selector(underlying, chain.Contracts)
	case marketdata.KindFutureOption:
		underlying := r.underlyingPrice(family, snap)
		selector := futureOptionSelector()
		return selector(underlying, chain.Contracts)
	case marketdata.KindFuture:
		selector := futureContractSelector(r.leadDays)
		return selector(snap.Time, chain.Contracts)
	default:
		return marketdata.Contract{}, false
	}
}

// underlyingPrice 优先取底层家族的现价，取不到时退回合约自带的标价。
func (r *Resolver) underlyingPrice(family Family, snap marketdata.Snapshot) float64 {
	if family.Underlying != "" {
		if price, ok := snap.Price(family.Underlying); ok && price > 0 {
			return price
		}
	}
	return 0
}
