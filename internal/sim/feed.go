package sim

import (
	"fmt"
	"math"
	"time"

	"broker-conformance/internal/marketdata"
)

// FamilySpec 描述行情生成器要模拟的一个标的家族。
type FamilySpec struct {
	Name       string
	Kind       marketdata.SecurityKind
	Root       string
	Underlying string
	BasePrice  float64
}

// FeedConfig 控制确定性行情序列的生成。WarmupTicks 指定序列开头
// 多少帧不携带任何链与价格，用于模拟行情尚未就绪的阶段。
type FeedConfig struct {
	Start       time.Time
	Interval    time.Duration
	Ticks       int
	WarmupTicks int
	Families    []FamilySpec
}

func (c FeedConfig) normalize() FeedConfig {
	if c.Start.IsZero() {
		c.Start = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Ticks <= 0 {
		c.Ticks = 64
	}
	if c.WarmupTicks < 0 {
		c.WarmupTicks = 0
	}
	return c
}

// chainTemplate 把链的静态结构固定在序列起点：行权价阶梯与到期日
// 全程不变，只有标价随底层价格漂移。合约符号因此在整个运行中稳定。
type chainTemplate struct {
	root       string
	kind       marketdata.SecurityKind
	priceFam   string
	base       float64
	strikes    []float64
	expiries   []time.Time
	weekly     bool
	withFuture bool
}

// BuildSnapshots 生成确定性的行情帧序列：价格沿平滑路径漂移，
// 链类家族带上围绕平值的行权价阶梯，指数期权链混入非规范根的
// 周度合约，期货期权链混入一张期货合约，用于检验解析过滤。
func BuildSnapshots(cfg FeedConfig) []marketdata.Snapshot {
	cfg = cfg.normalize()

	bases := make(map[string]float64, len(cfg.Families))
	for _, fam := range cfg.Families {
		base := fam.BasePrice
		if base <= 0 {
			base = 100
		}
		bases[fam.Name] = base
	}

	templates := make([]chainTemplate, 0, len(cfg.Families))
	for _, fam := range cfg.Families {
		if !fam.Kind.NeedsChain() || fam.Root == "" {
			continue
		}
		base := bases[fam.Name]
		priceFam := fam.Name
		if fam.Underlying != "" {
			base = bases[fam.Underlying]
			priceFam = fam.Underlying
		}
		tpl := chainTemplate{
			root:     fam.Root,
			kind:     fam.Kind,
			priceFam: priceFam,
			base:     base,
		}
		switch fam.Kind {
		case marketdata.KindOption, marketdata.KindIndexOption:
			tpl.strikes = strikeLadder(base)
			tpl.expiries = []time.Time{cfg.Start.AddDate(0, 0, 30), cfg.Start.AddDate(0, 0, 60)}
			tpl.weekly = fam.Kind == marketdata.KindIndexOption
		case marketdata.KindFutureOption:
			tpl.strikes = strikeLadder(base)
			tpl.expiries = []time.Time{cfg.Start.AddDate(0, 0, 20), cfg.Start.AddDate(0, 0, 50)}
			tpl.withFuture = true
		case marketdata.KindFuture:
			tpl.expiries = []time.Time{
				cfg.Start.AddDate(0, 0, 15),
				cfg.Start.AddDate(0, 0, 45),
				cfg.Start.AddDate(0, 0, 75),
			}
		}
		templates = append(templates, tpl)
	}

	snapshots := make([]marketdata.Snapshot, 0, cfg.Ticks)
	for i := 0; i < cfg.Ticks; i++ {
		ts := cfg.Start.Add(time.Duration(i) * cfg.Interval)
		if i < cfg.WarmupTicks {
			snapshots = append(snapshots, marketdata.Snapshot{Time: ts})
			continue
		}

		prices := make(map[string]float64)
		for _, fam := range cfg.Families {
			if fam.Kind.NeedsChain() {
				continue
			}
			prices[fam.Name] = pathPrice(bases[fam.Name], i)
		}

		chains := make(map[string]marketdata.Chain, len(templates))
		for _, tpl := range templates {
			under := pathPrice(tpl.base, i)
			contracts := tpl.contracts(under, prices)
			chains[tpl.root] = marketdata.Chain{Root: tpl.root, Contracts: contracts}
		}

		snapshots = append(snapshots, marketdata.Snapshot{
			Time:   ts,
			Chains: chains,
			Prices: prices,
		})
	}
	return snapshots
}

// contracts 按模板展开当前帧的链合约，并把每张合约的标价写进价格表。
func (t chainTemplate) contracts(under float64, prices map[string]float64) []marketdata.Contract {
	var out []marketdata.Contract

	if t.kind == marketdata.KindFuture {
		for _, expiry := range t.expiries {
			symbol := fmt.Sprintf("%s%s", t.root, expiry.Format("060102"))
			out = append(out, marketdata.Contract{
				Symbol:     symbol,
				Root:       t.root,
				Kind:       t.kind,
				Expiry:     expiry,
				Underlying: under,
			})
			prices[symbol] = futureMark(under, expiry, t.expiries[0])
		}
		return out
	}

	for _, expiry := range t.expiries {
		for _, strike := range t.strikes {
			for _, right := range []marketdata.Right{marketdata.RightCall, marketdata.RightPut} {
				symbol := fmt.Sprintf("%s%s%s%d", t.root, expiry.Format("060102"), rightLetter(right), int(strike))
				out = append(out, marketdata.Contract{
					Symbol:     symbol,
					Root:       t.root,
					Kind:       t.kind,
					Expiry:     expiry,
					Strike:     strike,
					Right:      right,
					Underlying: under,
				})
				prices[symbol] = optionMark(under, strike, right, expiry, t.expiries[0])
			}
		}
	}

	if t.weekly {
		weeklyRoot := t.root + "W"
		atm := t.strikes[len(t.strikes)/2]
		for _, expiry := range t.expiries {
			symbol := fmt.Sprintf("%s%s%s%d", weeklyRoot, expiry.Format("060102"), rightLetter(marketdata.RightCall), int(atm))
			out = append(out, marketdata.Contract{
				Symbol:     symbol,
				Root:       weeklyRoot,
				Kind:       t.kind,
				Expiry:     expiry,
				Strike:     atm,
				Right:      marketdata.RightCall,
				Underlying: under,
			})
			prices[symbol] = optionMark(under, atm, marketdata.RightCall, expiry, t.expiries[0])
		}
	}

	if t.withFuture {
		expiry := t.expiries[len(t.expiries)-1]
		symbol := fmt.Sprintf("%sF%s", t.root, expiry.Format("060102"))
		out = append(out, marketdata.Contract{
			Symbol:     symbol,
			Root:       t.root,
			Kind:       marketdata.KindFuture,
			Expiry:     expiry,
			Underlying: under,
		})
		prices[symbol] = futureMark(under, expiry, t.expiries[0])
	}
	return out
}

// pathPrice 给出确定性的价格路径：围绕基准价小幅震荡并缓慢上漂。
func pathPrice(base float64, tick int) float64 {
	return base * (1 + 0.004*math.Sin(float64(tick)/3) + 0.0004*float64(tick))
}

// strikeLadder 围绕平值取五档行权价，步长 5。
func strikeLadder(under float64) []float64 {
	atm := math.Round(under/5) * 5
	return []float64{atm - 10, atm - 5, atm, atm + 5, atm + 10}
}

func rightLetter(r marketdata.Right) string {
	if r == marketdata.RightCall {
		return "C"
	}
	return "P"
}

// optionMark 以内在价值加时间价值近似期权标价，远月略贵。
func optionMark(under, strike float64, right marketdata.Right, expiry, nearest time.Time) float64 {
	intrinsic := under - strike
	if right == marketdata.RightPut {
		intrinsic = strike - under
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	tv := 2.0
	if expiry.After(nearest) {
		tv += 0.5
	}
	return intrinsic + tv
}

// futureMark 以持有成本近似期货标价，远月略升水。
func futureMark(under float64, expiry, nearest time.Time) float64 {
	mark := under
	if expiry.After(nearest) {
		mark *= 1.002
	}
	return mark
}
