package harness

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/venue"
)

// trailPercent 是跟踪止损用例使用的回撤比例，0.1 即 10%。
const trailPercent = 0.1

func newClientID() string {
	return uuid.NewString()
}

// dispatch 把用例按订单类型派发给对应的执行例程。类型集合是封闭的，
// 新增订单类型必须在此处显式接入。
func (s *Scheduler) dispatch(ctx context.Context, c Case, snap marketdata.Snapshot) (*CaseResult, error) {
	result := newCaseResult(c.Type)
	switch c.Type {
	case venue.TypeMarket, venue.TypeLimit, venue.TypeStopMarket, venue.TypeLimitIfTouched, venue.TypeTrailingStop:
		return result, s.execPlain(ctx, c, result)
	case venue.TypeMarketOnOpen, venue.TypeMarketOnClose:
		return result, s.execSessionOrder(ctx, c, snap, result)
	case venue.TypeStopLimit:
		return result, s.execStopLimit(ctx, c, result)
	case venue.TypeExercise:
		return result, s.execExercise(ctx, c, result)
	case venue.TypeComboMarket, venue.TypeComboLimit, venue.TypeComboLegLimit:
		return result, s.execCombo(ctx, c, snap, result)
	default:
		return result, fmt.Errorf("harness: 未实现的订单类型 %s", c.Type)
	}
}

// execPlain 处理普通订单用例：有持仓先平仓，有挂单先撤单，
// 两者都没有才按标的逐个提交。
func (s *Scheduler) execPlain(ctx context.Context, c Case, result *CaseResult) error {
	if len(c.Instruments) == 0 {
		result.Action = ActionSkipped
		result.note("无适用标的，跳过用例")
		return nil
	}

	positions, err := s.venue.Positions(ctx)
	if err != nil {
		return fmt.Errorf("harness: 查询持仓失败: %w", err)
	}
	if len(positions) > 0 {
		if err := s.venue.Liquidate(ctx); err != nil {
			return fmt.Errorf("harness: 平仓失败: %w", err)
		}
		result.Action = ActionLiquidated
		result.note(fmt.Sprintf("存在持仓 %d 笔，先行平仓", len(positions)))
		return nil
	}

	open, err := s.venue.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("harness: 查询挂单失败: %w", err)
	}
	if len(open) > 0 {
		if err := s.venue.CancelOpenOrders(ctx); err != nil {
			return fmt.Errorf("harness: 撤销挂单失败: %w", err)
		}
		result.Action = ActionCancelled
		result.note(fmt.Sprintf("存在挂单 %d 笔，先行撤销", len(open)))
		return nil
	}

	for _, inst := range c.Instruments {
		price := s.price(inst.Symbol)
		order := venue.Order{
			Symbol:   inst.Symbol,
			Quantity: inst.Quantity,
			Type:     c.Type,
			ClientID: newClientID(),
		}
		switch c.Type {
		case venue.TypeLimit:
			order.LimitPrice = offsetPrice(inst.Kind, price, false)
		case venue.TypeStopMarket:
			order.StopPrice = offsetPrice(inst.Kind, price, true)
		case venue.TypeLimitIfTouched:
			trigger := offsetPrice(inst.Kind, price, false)
			order.StopPrice = trigger
			order.LimitPrice = offsetPrice(inst.Kind, trigger, false)
		case venue.TypeTrailingStop:
			order.TrailPercent = trailPercent
		}
		if err := s.submitExpectAccepted(ctx, order, result); err != nil {
			return err
		}
	}
	result.Action = ActionSubmitted
	return nil
}

// execSessionOrder 处理开盘价/收盘价订单：同一订单类型同一自然日
// 只提交一次；收盘价订单要求交易所处于开盘状态；连续交易市场的
// 标的没有开收盘边界，直接跳过。
func (s *Scheduler) execSessionOrder(ctx context.Context, c Case, snap marketdata.Snapshot, result *CaseResult) error {
	if len(c.Instruments) == 0 {
		result.Action = ActionSkipped
		result.note("无适用标的，跳过用例")
		return nil
	}

	day := snap.Time.UTC().Format("2006-01-02")
	if s.alreadySubmitted(c.Type, day) {
		result.Action = ActionSkipped
		result.note(fmt.Sprintf("%s 订单本日已提交过", c.Type))
		return nil
	}

	submitted := 0
	for _, inst := range c.Instruments {
		sess := s.venue.Session(inst.Symbol)
		if sess.AlwaysOpen {
			result.note(fmt.Sprintf("标的 %s 为连续交易市场，跳过", inst.Symbol))
			continue
		}
		if c.Type == venue.TypeMarketOnClose && !sess.Open {
			result.note(fmt.Sprintf("标的 %s 交易所未开盘，跳过收盘价订单", inst.Symbol))
			continue
		}
		order := venue.Order{
			Symbol:   inst.Symbol,
			Quantity: inst.Quantity,
			Type:     c.Type,
			ClientID: newClientID(),
		}
		if err := s.submitExpectAccepted(ctx, order, result); err != nil {
			return err
		}
		submitted++
	}
	if submitted == 0 {
		result.Action = ActionSkipped
		return nil
	}
	s.markSubmitted(c.Type, day)
	result.Action = ActionSubmitted
	return nil
}

// execStopLimit 处理止损限价用例：挂单未清空时按帧累计等待，超过
// 配置的帧数即撤销全部挂单并放弃本用例的提交。
func (s *Scheduler) execStopLimit(ctx context.Context, c Case, result *CaseResult) error {
	if len(c.Instruments) == 0 {
		result.Action = ActionSkipped
		result.note("无适用标的，跳过用例")
		return nil
	}

	open, err := s.venue.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("harness: 查询挂单失败: %w", err)
	}
	if len(open) > 0 {
		s.run.openOrderWait++
		if s.run.openOrderWait > s.catalog.TimeoutTicks {
			if err := s.venue.CancelOpenOrders(ctx); err != nil {
				return fmt.Errorf("harness: 撤销挂单失败: %w", err)
			}
			result.Action = ActionCancelled
			result.note(fmt.Sprintf("挂单等待超过 %d 帧，撤销全部挂单并放弃提交", s.catalog.TimeoutTicks))
			return nil
		}
		result.Action = ActionWaiting
		result.note(fmt.Sprintf("仍有挂单 %d 笔，已等待 %d 帧", len(open), s.run.openOrderWait))
		return nil
	}

	for _, inst := range c.Instruments {
		price := s.price(inst.Symbol)
		stop := offsetPrice(inst.Kind, price, true)
		order := venue.Order{
			Symbol:     inst.Symbol,
			Quantity:   inst.Quantity,
			Type:       venue.TypeStopLimit,
			StopPrice:  stop,
			LimitPrice: offsetPrice(inst.Kind, stop, true),
			ClientID:   newClientID(),
		}
		if err := s.submitExpectAccepted(ctx, order, result); err != nil {
			return err
		}
	}
	result.Action = ActionSubmitted
	return nil
}

// execExercise 处理行权用例：先市价买入一个单位，再对同一标的
// 发出等量行权指令。
func (s *Scheduler) execExercise(ctx context.Context, c Case, result *CaseResult) error {
	if len(c.Instruments) == 0 {
		result.Action = ActionSkipped
		result.note("无适用标的，跳过用例")
		return nil
	}

	for _, inst := range c.Instruments {
		order := venue.Order{
			Symbol:   inst.Symbol,
			Quantity: inst.Quantity,
			Type:     venue.TypeMarket,
			ClientID: newClientID(),
		}
		if err := s.submitExpectAccepted(ctx, order, result); err != nil {
			return err
		}
		ticket, err := s.venue.Exercise(ctx, inst.Symbol, inst.Quantity)
		if err != nil {
			return fmt.Errorf("harness: 行权指令失败 (%s): %w", inst.Symbol, err)
		}
		if ticket.Status == venue.StatusInvalid {
			return conformanceErrorf("用例 %s 标的 %s 的行权指令被拒: 期望接受，实际 invalid", c.Type, inst.Symbol)
		}
		result.note(fmt.Sprintf("标的 %s 已发送行权指令，数量 %v", inst.Symbol, inst.Quantity))
	}
	result.Action = ActionSubmitted
	return nil
}

// execCombo 处理组合订单用例：要求市场开放且链可得，从最近到期的
// 看涨合约组里按行权价升序取前两档，近档做多、远档做空。合格合约
// 不足两个时本帧不提交，不算失败。
func (s *Scheduler) execCombo(ctx context.Context, c Case, snap marketdata.Snapshot, result *CaseResult) error {
	if len(c.Instruments) == 0 {
		result.Action = ActionSkipped
		result.note("无适用标的，跳过用例")
		return nil
	}

	inst := c.Instruments[0]
	family, ok := s.catalog.FamilyByName(inst.Family)
	if !ok {
		result.Action = ActionSkipped
		result.note(fmt.Sprintf("家族 %s 不在目录中，跳过", inst.Family))
		return nil
	}

	sess := s.venue.Session(inst.Symbol)
	if !sess.Open && !sess.AlwaysOpen {
		result.Action = ActionSkipped
		result.note("市场未开盘，跳过组合订单")
		return nil
	}

	chain, ok := snap.Chain(family.Root)
	if !ok || chain.Empty() {
		result.Action = ActionSkipped
		result.note(fmt.Sprintf("家族 %s 的链不可得，跳过", family.Name))
		return nil
	}

	legs, ok := buildComboLegs(c.Type, family, chain, snap)
	if !ok {
		result.Action = ActionSkipped
		result.note("最近到期组内合格看涨合约不足两个，跳过本帧")
		return nil
	}

	ticket, err := s.venue.SubmitCombo(ctx, legs, inst.Quantity)
	if err != nil {
		return fmt.Errorf("harness: 提交 %s 组合订单失败: %w", c.Type, err)
	}
	key := legs[0].Symbol + "," + legs[1].Symbol
	result.Statuses[key] = ticket.Status
	if ticket.Status == venue.StatusInvalid {
		return conformanceErrorf("用例 %s 组合订单被拒 (%s): 期望接受，实际 invalid", c.Type, key)
	}
	result.Action = ActionSubmitted
	return nil
}

// buildComboLegs 构造两腿组合：取家族对应链里最近到期的看涨合约组，
// 行权价升序排列后取前两个不同档位，近档 +1、远档 -1。限价变体还
// 要求两腿都有非零标价，否则视为本帧不合格。
func buildComboLegs(typ venue.OrderType, family Family, chain marketdata.Chain, snap marketdata.Snapshot) ([]venue.ComboLeg, bool) {
	calls := make([]marketdata.Contract, 0, len(chain.Contracts))
	for _, contract := range chain.Contracts {
		if contract.Right != marketdata.RightCall {
			continue
		}
		if family.Kind == marketdata.KindFutureOption {
			if contract.Kind != marketdata.KindFutureOption {
				continue
			}
		} else if contract.Root != family.Root {
			continue
		}
		calls = append(calls, contract)
	}
	if len(calls) == 0 {
		return nil, false
	}

	nearest := calls[0].Expiry
	for _, contract := range calls[1:] {
		if contract.Expiry.Before(nearest) {
			nearest = contract.Expiry
		}
	}
	group := make([]marketdata.Contract, 0, len(calls))
	for _, contract := range calls {
		if contract.Expiry.Equal(nearest) {
			group = append(group, contract)
		}
	}
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Strike != group[j].Strike {
			return group[i].Strike < group[j].Strike
		}
		return group[i].Symbol < group[j].Symbol
	})

	distinct := group[:0]
	var lastStrike float64
	for i, contract := range group {
		if i > 0 && contract.Strike == lastStrike {
			continue
		}
		distinct = append(distinct, contract)
		lastStrike = contract.Strike
	}
	if len(distinct) < 2 {
		return nil, false
	}

	near, far := distinct[0], distinct[1]
	legs := []venue.ComboLeg{
		{Symbol: near.Symbol, Quantity: 1},
		{Symbol: far.Symbol, Quantity: -1},
	}

	switch typ {
	case venue.TypeComboLimit, venue.TypeComboLegLimit:
		nearMark, ok := snap.Price(near.Symbol)
		if !ok || nearMark <= 0 {
			return nil, false
		}
		farMark, ok := snap.Price(far.Symbol)
		if !ok || farMark <= 0 {
			return nil, false
		}
		aggressive := typ == venue.TypeComboLegLimit
		legs[0].LimitPrice = offsetPrice(near.Kind, nearMark, aggressive)
		legs[1].LimitPrice = offsetPrice(far.Kind, farMark, !aggressive)
	}
	return legs, true
}

// submitExpectAccepted 提交订单并校验回执：传输层错误原样上抛，
// 回执为 invalid 视为一致性失败。
func (s *Scheduler) submitExpectAccepted(ctx context.Context, order venue.Order, result *CaseResult) error {
	ticket, err := s.venue.Submit(ctx, order)
	if err != nil {
		return fmt.Errorf("harness: 提交 %s 订单失败 (%s): %w", order.Type, order.Symbol, err)
	}
	result.Statuses[order.Symbol] = ticket.Status
	if ticket.Status == venue.StatusInvalid {
		return conformanceErrorf("用例 %s 标的 %s 的订单被拒: 期望接受，实际 invalid", order.Type, order.Symbol)
	}
	return nil
}

// alreadySubmitted 查询某订单类型在给定自然日是否已提交过。
func (s *Scheduler) alreadySubmitted(typ venue.OrderType, day string) bool {
	days, ok := s.run.submittedOn[typ]
	if !ok {
		return false
	}
	_, ok = days[day]
	return ok
}

func (s *Scheduler) markSubmitted(typ venue.OrderType, day string) {
	days, ok := s.run.submittedOn[typ]
	if !ok {
		days = make(map[string]struct{})
		s.run.submittedOn[typ] = days
	}
	days[day] = struct{}{}
}
