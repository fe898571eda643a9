package venue

import (
	"fmt"
	"strings"
	"time"
)

// OrderType 表示受测的订单类型标签。
type OrderType string

const (
	TypeMarket         OrderType = "market"
	TypeLimit          OrderType = "limit"
	TypeStopMarket     OrderType = "stop_market"
	TypeStopLimit      OrderType = "stop_limit"
	TypeLimitIfTouched OrderType = "limit_if_touched"
	TypeTrailingStop   OrderType = "trailing_stop"
	TypeMarketOnOpen   OrderType = "market_on_open"
	TypeMarketOnClose  OrderType = "market_on_close"
	TypeExercise       OrderType = "exercise"
	TypeComboMarket    OrderType = "combo_market"
	TypeComboLimit     OrderType = "combo_limit"
	TypeComboLegLimit  OrderType = "combo_leg_limit"
)

// ParseOrderType 将配置字符串解析为订单类型。
func ParseOrderType(s string) (OrderType, error) {
	typ := OrderType(strings.ToLower(strings.TrimSpace(s)))
	switch typ {
	case TypeMarket, TypeLimit, TypeStopMarket, TypeStopLimit, TypeLimitIfTouched,
		TypeTrailingStop, TypeMarketOnOpen, TypeMarketOnClose, TypeExercise,
		TypeComboMarket, TypeComboLimit, TypeComboLegLimit:
		return typ, nil
	default:
		return "", fmt.Errorf("venue: 未知订单类型 %q", s)
	}
}

// IsCombo 判断是否为组合单类型。
func (t OrderType) IsCombo() bool {
	return t == TypeComboMarket || t == TypeComboLimit || t == TypeComboLegLimit
}

// Status 表示订单回报状态。
type Status string

const (
	StatusAccepted        Status = "accepted"
	StatusInvalid         Status = "invalid"
	StatusFilled          Status = "filled"
	StatusPartiallyFilled Status = "partially_filled"
	StatusPending         Status = "pending"
	StatusCancelled       Status = "cancelled"
)

// IsOpen 判断该状态是否仍占用挂单簿。
func (s Status) IsOpen() bool {
	switch s {
	case StatusAccepted, StatusPending, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Order 描述一笔待提交的委托，数量带方向符号。
type Order struct {
	Symbol       string
	Quantity     float64
	Type         OrderType
	LimitPrice   float64
	StopPrice    float64
	TrailPercent float64
	ClientID     string
}

// Side 根据数量符号返回买卖方向。
func (o Order) Side() string {
	if o.Quantity < 0 {
		return "sell"
	}
	return "buy"
}

// ComboLeg 表示组合单中的一条腿。
type ComboLeg struct {
	Symbol     string
	Quantity   float64
	LimitPrice float64
}

// Ticket 为一次提交后的订单句柄。
type Ticket struct {
	ID          string
	ClientID    string
	Symbol      string
	Type        OrderType
	Quantity    float64
	Status      Status
	SubmittedAt time.Time
}

// Position 表示当前持仓。
type Position struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
}

// Session 描述标的当前交易时段状态。
type Session struct {
	Open       bool
	AlwaysOpen bool
}
