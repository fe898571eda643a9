package harness

import (
	"fmt"

	"go.uber.org/multierr"

	"broker-conformance/internal/config"
	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/venue"
)

// Family 表示一个受测标的家族。链类家族通过 Root 关联合约链，
// Root 为空表示该家族在当前画像下不受测。
type Family struct {
	Name       string
	Kind       marketdata.SecurityKind
	Root       string
	Underlying string
}

// UnderTest 判断家族是否参与本次运行。
func (f Family) UnderTest() bool {
	if f.Kind.NeedsChain() {
		return f.Root != ""
	}
	return true
}

// HistoryCheck 描述一项跑后历史数据校验。AppliesTo 为空表示适用全部类别。
type HistoryCheck struct {
	Resolution    marketdata.Resolution
	Kind          marketdata.DataKind
	Lookback      int
	ExpectedCount int
	AppliesTo     map[marketdata.SecurityKind]struct{}
}

func (h HistoryCheck) appliesTo(kind marketdata.SecurityKind) bool {
	if len(h.AppliesTo) == 0 {
		return true
	}
	_, ok := h.AppliesTo[kind]
	return ok
}

// Catalog 为某个券商画像下的完整用例目录，构造后不可修改。
type Catalog struct {
	Profile            string
	Families           []Family
	OrderTypes         []venue.OrderType
	CaseFamilies       map[venue.OrderType][]string
	FutureLeadDays     int
	TimeoutTicks       int
	Resolution         marketdata.Resolution
	UnitQuantity       float64
	CryptoUnitQuantity float64
	OptionFilter       marketdata.OptionChainFilter
	FutureFilter       marketdata.FutureChainFilter
	Checks             []HistoryCheck

	byName map[string]Family
}

// NewCatalog 从画像配置构造用例目录，并完成全部领域枚举校验。
func NewCatalog(profile string, cfg config.ProfileConfig) (*Catalog, error) {
	var errs error

	families := make([]Family, 0, len(cfg.Families))
	byName := make(map[string]Family, len(cfg.Families))
	for _, fc := range cfg.Families {
		kind, err := marketdata.ParseSecurityKind(fc.Kind)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("家族 %q: %w", fc.Name, err))
			continue
		}
		family := Family{Name: fc.Name, Kind: kind, Root: fc.Root, Underlying: fc.Underlying}
		families = append(families, family)
		byName[family.Name] = family
	}
	for _, family := range families {
		if family.Underlying == "" {
			continue
		}
		if _, ok := byName[family.Underlying]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("家族 %q 引用了未定义的底层家族 %q", family.Name, family.Underlying))
		}
	}

	orderTypes := make([]venue.OrderType, 0, len(cfg.OrderTypes))
	seenTypes := make(map[venue.OrderType]struct{}, len(cfg.OrderTypes))
	for _, raw := range cfg.OrderTypes {
		typ, err := venue.ParseOrderType(raw)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, ok := seenTypes[typ]; ok {
			errs = multierr.Append(errs, fmt.Errorf("订单类型 %q 重复出现", typ))
			continue
		}
		seenTypes[typ] = struct{}{}
		orderTypes = append(orderTypes, typ)
	}

	caseFamilies := make(map[venue.OrderType][]string, len(cfg.CaseFamilies))
	for raw, names := range cfg.CaseFamilies {
		typ, err := venue.ParseOrderType(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("case_families: %w", err))
			continue
		}
		for _, name := range names {
			if _, ok := byName[name]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("case_families.%s 引用了未定义的家族 %q", typ, name))
			}
		}
		caseFamilies[typ] = names
	}

	resolution, err := marketdata.ParseResolution(cfg.DataResolution)
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	checks := make([]HistoryCheck, 0, len(cfg.HistoryChecks))
	for i, hc := range cfg.HistoryChecks {
		res, err := marketdata.ParseResolution(hc.Resolution)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("history_checks[%d]: %w", i, err))
			continue
		}
		dataKind, err := marketdata.ParseDataKind(hc.DataKind)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("history_checks[%d]: %w", i, err))
			continue
		}
		appliesTo := make(map[marketdata.SecurityKind]struct{}, len(hc.Kinds))
		for _, raw := range hc.Kinds {
			kind, err := marketdata.ParseSecurityKind(raw)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("history_checks[%d]: %w", i, err))
				continue
			}
			appliesTo[kind] = struct{}{}
		}
		checks = append(checks, HistoryCheck{
			Resolution:    res,
			Kind:          dataKind,
			Lookback:      hc.Lookback,
			ExpectedCount: hc.ExpectedCount,
			AppliesTo:     appliesTo,
		})
	}

	if errs != nil {
		return nil, fmt.Errorf("harness: 画像 %q 非法: %w", profile, errs)
	}

	return &Catalog{
		Profile:            profile,
		Families:           families,
		OrderTypes:         orderTypes,
		CaseFamilies:       caseFamilies,
		FutureLeadDays:     cfg.FutureLeadDays,
		TimeoutTicks:       cfg.OpenOrderTimeoutTicks,
		Resolution:         resolution,
		UnitQuantity:       cfg.UnitQuantity,
		CryptoUnitQuantity: cfg.CryptoUnitQuantity,
		OptionFilter: marketdata.OptionChainFilter{
			Strikes:       cfg.OptionFilter.Strikes,
			MinExpiryDays: cfg.OptionFilter.MinExpiryDays,
			MaxExpiryDays: cfg.OptionFilter.MaxExpiryDays,
		},
		FutureFilter: marketdata.FutureChainFilter{
			MinExpiryDays: cfg.FutureFilter.MinExpiryDays,
			MaxExpiryDays: cfg.FutureFilter.MaxExpiryDays,
		},
		Checks: checks,
		byName: byName,
	}, nil
}

// FamilyByName 按名称查找家族。
func (c *Catalog) FamilyByName(name string) (Family, bool) {
	if c.byName != nil {
		f, ok := c.byName[name]
		return f, ok
	}
	for _, f := range c.Families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// FamiliesFor 返回订单类型适用的家族列表：存在画像覆盖时取覆盖项，
// 否则按类型类别取默认集合。
func (c *Catalog) FamiliesFor(typ venue.OrderType) []Family {
	if names, ok := c.CaseFamilies[typ]; ok {
		families := make([]Family, 0, len(names))
		for _, name := range names {
			if f, found := c.FamilyByName(name); found && f.UnderTest() {
				families = append(families, f)
			}
		}
		return families
	}

	families := make([]Family, 0, len(c.Families))
	for _, f := range c.Families {
		if !f.UnderTest() {
			continue
		}
		switch {
		case typ == venue.TypeExercise || typ.IsCombo():
			if f.Kind.IsOption() {
				families = append(families, f)
			}
		default:
			families = append(families, f)
		}
	}
	return families
}

// QuantityFor 返回类别对应的下单数量策略。
func (c *Catalog) QuantityFor(kind marketdata.SecurityKind) float64 {
	if kind.IsCrypto() {
		return c.CryptoUnitQuantity
	}
	return c.UnitQuantity
}
