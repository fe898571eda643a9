package marketdata

import (
	"math"
	"sort"
	"time"
)

// OptionChainFilter 按行权价数量与到期窗口裁剪期权链。
type OptionChainFilter struct {
	Strikes       int
	MinExpiryDays int
	MaxExpiryDays int
}

// Apply 返回落在窗口内的期权合约。Strikes 限定以现价为中心、
// 每侧保留的行权价档数，小于等于0表示不限。
func (f OptionChainFilter) Apply(now time.Time, underlying float64, contracts []Contract) []Contract {
	inWindow := make([]Contract, 0, len(contracts))
	for _, c := range contracts {
		if !expiryInWindow(now, c.Expiry, f.MinExpiryDays, f.MaxExpiryDays) {
			continue
		}
		inWindow = append(inWindow, c)
	}

	if f.Strikes <= 0 || underlying <= 0 {
		return inWindow
	}

	strikes := distinctStrikes(inWindow)
	if len(strikes) == 0 {
		return inWindow
	}

	atm := 0
	best := math.Inf(1)
	for i, strike := range strikes {
		if d := math.Abs(strike - underlying); d < best {
			best = d
			atm = i
		}
	}

	lo := atm - f.Strikes
	if lo < 0 {
		lo = 0
	}
	hi := atm + f.Strikes
	if hi > len(strikes)-1 {
		hi = len(strikes) - 1
	}

	allowed := make(map[float64]struct{}, hi-lo+1)
	for _, strike := range strikes[lo : hi+1] {
		allowed[strike] = struct{}{}
	}

	filtered := make([]Contract, 0, len(inWindow))
	for _, c := range inWindow {
		if _, ok := allowed[c.Strike]; ok {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// FutureChainFilter 按到期窗口裁剪期货链。
type FutureChainFilter struct {
	MinExpiryDays int
	MaxExpiryDays int
}

// Apply 返回到期日落在窗口内的期货合约。
func (f FutureChainFilter) Apply(now time.Time, contracts []Contract) []Contract {
	filtered := make([]Contract, 0, len(contracts))
	for _, c := range contracts {
		if !expiryInWindow(now, c.Expiry, f.MinExpiryDays, f.MaxExpiryDays) {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

func expiryInWindow(now, expiry time.Time, minDays, maxDays int) bool {
	if expiry.Before(now.AddDate(0, 0, minDays)) {
		return false
	}
	if maxDays > 0 && expiry.After(now.AddDate(0, 0, maxDays)) {
		return false
	}
	return true
}

func distinctStrikes(contracts []Contract) []float64 {
	seen := make(map[float64]struct{}, len(contracts))
	strikes := make([]float64, 0, len(contracts))
	for _, c := range contracts {
		if _, ok := seen[c.Strike]; ok {
			continue
		}
		seen[c.Strike] = struct{}{}
		strikes = append(strikes, c.Strike)
	}
	sort.Float64s(strikes)
	return strikes
}
