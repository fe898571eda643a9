package sim

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/venue"
)

type restingOrder struct {
	ticket venue.Ticket
	order  venue.Order
	legs   []venue.ComboLeg
	total  float64
}

type posEntry struct {
	quantity float64
	entry    float64
}

// Venue 是确定性的内存券商模拟器：按最新行情即时成交市价单，
// 其余订单挂入簿中等待价格触及。与调度器一样由宿主循环单线程驱动，
// 不做并发防护。
type Venue struct {
	logger *zap.Logger

	clock      time.Time
	marks      map[string]float64
	alwaysOpen map[string]struct{}
	openHour   int
	closeHour  int

	positions map[string]*posEntry
	resting   []*restingOrder
	nextID    int

	submitted int
	cancelled int
	exercised int
	fills     int
}

// NewVenue 构造模拟撮合端，默认开盘时段为 14:00-21:00 UTC。
func NewVenue(logger *zap.Logger) *Venue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Venue{
		logger:     logger,
		marks:      make(map[string]float64),
		alwaysOpen: make(map[string]struct{}),
		openHour:   14,
		closeHour:  21,
		positions:  make(map[string]*posEntry),
	}
}

// MarkAlwaysOpen 把给定标的标记为连续交易市场，没有开收盘边界。
func (v *Venue) MarkAlwaysOpen(symbols ...string) {
	for _, symbol := range symbols {
		v.alwaysOpen[symbol] = struct{}{}
	}
}

// SetSessionWindow 设置日内开盘时段，单位为 UTC 小时。
func (v *Venue) SetSessionWindow(openHour, closeHour int) {
	v.openHour = openHour
	v.closeHour = closeHour
}

// Advance 推进模拟器时钟，刷新标价并尝试撮合簿中挂单。
func (v *Venue) Advance(snap marketdata.Snapshot) {
	v.clock = snap.Time
	for symbol, price := range snap.Prices {
		if price > 0 {
			v.marks[symbol] = price
		}
	}
	v.match()
}

// Submit 受理一笔普通订单：市价单即时成交，其余进入挂单簿。
// 缺少必要价格字段或标的不可知时回执 invalid。
func (v *Venue) Submit(ctx context.Context, order venue.Order) (venue.Ticket, error) {
	if order.Symbol == "" || order.Quantity == 0 || order.Type.IsCombo() {
		return v.reject(order), nil
	}

	switch order.Type {
	case venue.TypeMarket:
		mark, ok := v.marks[order.Symbol]
		if !ok || mark <= 0 {
			return v.reject(order), nil
		}
		ticket := v.newTicket(order, venue.StatusFilled)
		v.fill(order.Symbol, order.Quantity, mark)
		v.submitted++
		return ticket, nil
	case venue.TypeLimit:
		if order.LimitPrice <= 0 {
			return v.reject(order), nil
		}
	case venue.TypeStopMarket:
		if order.StopPrice <= 0 {
			return v.reject(order), nil
		}
	case venue.TypeStopLimit, venue.TypeLimitIfTouched:
		if order.StopPrice <= 0 || order.LimitPrice <= 0 {
			return v.reject(order), nil
		}
	case venue.TypeTrailingStop:
		if order.TrailPercent <= 0 {
			return v.reject(order), nil
		}
	case venue.TypeMarketOnOpen, venue.TypeMarketOnClose:
	default:
		return v.reject(order), nil
	}

	ticket := v.newTicket(order, venue.StatusAccepted)
	v.resting = append(v.resting, &restingOrder{ticket: ticket, order: order})
	v.submitted++
	return ticket, nil
}

// SubmitCombo 受理组合订单：所有腿都不带限价时按市价即时成交，
// 否则整单挂入簿中，待每条腿的限价都被触及后一次性成交。
func (v *Venue) SubmitCombo(ctx context.Context, legs []venue.ComboLeg, quantity float64) (venue.Ticket, error) {
	if len(legs) == 0 || quantity == 0 {
		return v.reject(venue.Order{Type: venue.TypeComboMarket}), nil
	}

	symbols := make([]string, 0, len(legs))
	priced := false
	for _, leg := range legs {
		symbols = append(symbols, leg.Symbol)
		if leg.LimitPrice > 0 {
			priced = true
		}
	}
	order := venue.Order{
		Symbol:   strings.Join(symbols, ","),
		Quantity: quantity,
		Type:     venue.TypeComboMarket,
	}
	if priced {
		order.Type = venue.TypeComboLimit
	}

	if !priced {
		for _, leg := range legs {
			mark, ok := v.marks[leg.Symbol]
			if !ok || mark <= 0 {
				return v.reject(order), nil
			}
		}
		ticket := v.newTicket(order, venue.StatusFilled)
		for _, leg := range legs {
			v.fill(leg.Symbol, leg.Quantity*quantity, v.marks[leg.Symbol])
		}
		v.submitted++
		return ticket, nil
	}

	ticket := v.newTicket(order, venue.StatusAccepted)
	v.resting = append(v.resting, &restingOrder{ticket: ticket, legs: legs, total: quantity})
	v.submitted++
	return ticket, nil
}

// Exercise 对已持有的期权头寸执行行权，持仓不足时回执 invalid。
func (v *Venue) Exercise(ctx context.Context, symbol string, quantity float64) (venue.Ticket, error) {
	order := venue.Order{Symbol: symbol, Quantity: quantity, Type: venue.TypeExercise}
	entry, ok := v.positions[symbol]
	if !ok || quantity <= 0 || entry.quantity < quantity {
		return v.reject(order), nil
	}
	entry.quantity -= quantity
	if math.Abs(entry.quantity) < 1e-9 {
		delete(v.positions, symbol)
	}
	v.exercised++
	return v.newTicket(order, venue.StatusFilled), nil
}

// CancelOpenOrders 撤销簿中全部挂单。
func (v *Venue) CancelOpenOrders(ctx context.Context) error {
	v.cancelled += len(v.resting)
	v.resting = nil
	return nil
}

// OpenOrders 返回簿中挂单的回执副本。
func (v *Venue) OpenOrders(ctx context.Context) ([]venue.Ticket, error) {
	out := make([]venue.Ticket, 0, len(v.resting))
	for _, ro := range v.resting {
		out = append(out, ro.ticket)
	}
	return out, nil
}

// Positions 返回当前全部持仓。
func (v *Venue) Positions(ctx context.Context) ([]venue.Position, error) {
	out := make([]venue.Position, 0, len(v.positions))
	for symbol, entry := range v.positions {
		out = append(out, venue.Position{
			Symbol:     symbol,
			Quantity:   entry.quantity,
			EntryPrice: entry.entry,
		})
	}
	return out, nil
}

// Liquidate 按当前标价平掉全部持仓。
func (v *Venue) Liquidate(ctx context.Context) error {
	v.fills += len(v.positions)
	v.positions = make(map[string]*posEntry)
	return nil
}

// Session 报告标的此刻的交易时段状态。
func (v *Venue) Session(symbol string) venue.Session {
	if _, ok := v.alwaysOpen[symbol]; ok {
		return venue.Session{Open: true, AlwaysOpen: true}
	}
	hour := v.clock.UTC().Hour()
	return venue.Session{Open: hour >= v.openHour && hour < v.closeHour}
}

// SubmittedCount 返回受理成功的订单总数。
func (v *Venue) SubmittedCount() int {
	return v.submitted
}

// CancelledCount 返回被撤销的挂单总数。
func (v *Venue) CancelledCount() int {
	return v.cancelled
}

// ExercisedCount 返回行权指令总数。
func (v *Venue) ExercisedCount() int {
	return v.exercised
}

// FillCount 返回成交笔数，含平仓产生的成交。
func (v *Venue) FillCount() int {
	return v.fills
}

func (v *Venue) newTicket(order venue.Order, status venue.Status) venue.Ticket {
	v.nextID++
	return venue.Ticket{
		ID:          fmt.Sprintf("SIM-%d", v.nextID),
		ClientID:    order.ClientID,
		Symbol:      order.Symbol,
		Type:        order.Type,
		Quantity:    order.Quantity,
		Status:      status,
		SubmittedAt: v.clock,
	}
}

func (v *Venue) reject(order venue.Order) venue.Ticket {
	return v.newTicket(order, venue.StatusInvalid)
}

// match 用最新标价扫描挂单簿，把满足条件的挂单转为成交。
func (v *Venue) match() {
	keep := v.resting[:0]
	for _, ro := range v.resting {
		if v.tryFill(ro) {
			v.fills++
			continue
		}
		keep = append(keep, ro)
	}
	v.resting = keep
}

// tryFill 判断单笔挂单是否成交。触发价与限价在同一帧内判定。
func (v *Venue) tryFill(ro *restingOrder) bool {
	if len(ro.legs) > 0 {
		for _, leg := range ro.legs {
			mark, ok := v.marks[leg.Symbol]
			if !ok || mark <= 0 {
				return false
			}
			if leg.Quantity > 0 && mark > leg.LimitPrice {
				return false
			}
			if leg.Quantity < 0 && mark < leg.LimitPrice {
				return false
			}
		}
		for _, leg := range ro.legs {
			v.fill(leg.Symbol, leg.Quantity*ro.total, leg.LimitPrice)
		}
		return true
	}

	order := ro.order
	mark, ok := v.marks[order.Symbol]
	if !ok || mark <= 0 {
		return false
	}
	buy := order.Quantity > 0

	switch order.Type {
	case venue.TypeMarketOnOpen:
		if v.Session(order.Symbol).Open {
			v.fill(order.Symbol, order.Quantity, mark)
			return true
		}
	case venue.TypeMarketOnClose:
		if !v.Session(order.Symbol).Open {
			v.fill(order.Symbol, order.Quantity, mark)
			return true
		}
	case venue.TypeLimit, venue.TypeLimitIfTouched:
		if (buy && mark <= order.LimitPrice) || (!buy && mark >= order.LimitPrice) {
			v.fill(order.Symbol, order.Quantity, order.LimitPrice)
			return true
		}
	case venue.TypeStopMarket:
		if (buy && mark >= order.StopPrice) || (!buy && mark <= order.StopPrice) {
			v.fill(order.Symbol, order.Quantity, mark)
			return true
		}
	case venue.TypeStopLimit:
		if buy && mark >= order.StopPrice && mark <= order.LimitPrice {
			v.fill(order.Symbol, order.Quantity, order.LimitPrice)
			return true
		}
		if !buy && mark <= order.StopPrice && mark >= order.LimitPrice {
			v.fill(order.Symbol, order.Quantity, order.LimitPrice)
			return true
		}
	case venue.TypeTrailingStop:
		// 跟踪止损在模拟器里不自动触发，等待撤单或清仓。
	}
	return false
}

// fill 更新持仓：同向加仓按数量加权平均成本，反向成交先抵消原仓位。
func (v *Venue) fill(symbol string, quantity, price float64) {
	entry, ok := v.positions[symbol]
	if !ok {
		v.positions[symbol] = &posEntry{quantity: quantity, entry: price}
		return
	}
	if entry.quantity*quantity > 0 {
		total := math.Abs(entry.quantity) + math.Abs(quantity)
		entry.entry = (entry.entry*math.Abs(entry.quantity) + price*math.Abs(quantity)) / total
	}
	entry.quantity += quantity
	if math.Abs(entry.quantity) < 1e-9 {
		delete(v.positions, symbol)
	}
}
