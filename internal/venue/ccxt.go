package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"broker-conformance/internal/marketdata"
)

type exchangeAPI interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// Exchange 把实盘交易所适配成撮合端接口。加密市场连续交易，
// 不支持组合订单与行权指令，也没有开收盘边界。
type Exchange struct {
	client   exchangeAPI
	symbols  []string
	logger   *zap.Logger
	maxRetry int
}

// NewExchange 构造实盘撮合端。symbols 为本次运行涉及的全部交易对，
// 挂单查询与撤单按这些交易对逐一发起。
func NewExchange(client exchangeAPI, symbols []string, logger *zap.Logger) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{
		client:   client,
		symbols:  append([]string(nil), symbols...),
		logger:   logger,
		maxRetry: 3,
	}
}

// Submit 提交一笔普通订单，瞬时故障按指数间隔重试。
func (e *Exchange) Submit(ctx context.Context, order Order) (Ticket, error) {
	side := order.Side()
	amount := math.Abs(order.Quantity)

	params := map[string]interface{}{}
	if order.ClientID != "" {
		params["clientOrderId"] = order.ClientID
	}

	call := func() (ccxt.Order, error) {
		switch order.Type {
		case TypeMarket:
			return e.client.CreateMarketOrder(order.Symbol, side, amount,
				ccxt.WithCreateMarketOrderParams(params))
		case TypeLimit:
			return e.client.CreateLimitOrder(order.Symbol, side, amount, order.LimitPrice,
				ccxt.WithCreateLimitOrderParams(params))
		case TypeStopMarket:
			p := cloneParams(params)
			p["stopPrice"] = order.StopPrice
			return e.client.CreateOrder(order.Symbol, "market", side, amount,
				ccxt.WithCreateOrderParams(p))
		case TypeStopLimit, TypeLimitIfTouched:
			p := cloneParams(params)
			p["stopPrice"] = order.StopPrice
			return e.client.CreateOrder(order.Symbol, "limit", side, amount,
				ccxt.WithCreateOrderPrice(order.LimitPrice),
				ccxt.WithCreateOrderParams(p))
		case TypeTrailingStop:
			p := cloneParams(params)
			p["trailingPercent"] = order.TrailPercent * 100
			return e.client.CreateOrder(order.Symbol, "market", side, amount,
				ccxt.WithCreateOrderParams(p))
		default:
			return ccxt.Order{}, fmt.Errorf("%w: 订单类型 %s", ErrUnsupported, order.Type)
		}
	}

	var raw ccxt.Order
	var err error
	for attempt := 1; attempt <= e.maxRetry; attempt++ {
		raw, err = call()
		if err == nil {
			return e.ticketFrom(raw, order), nil
		}
		if errors.Is(err, ErrUnsupported) || !marketdata.IsRetryable(err) {
			return Ticket{}, err
		}

		wait := time.Duration(attempt) * time.Second
		e.logger.Warn("下单失败，准备重试",
			zap.String("symbol", order.Symbol),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return Ticket{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	return Ticket{}, fmt.Errorf("venue: 重试后仍下单失败: %w", err)
}

// SubmitCombo 实盘交易所不支持组合订单。
func (e *Exchange) SubmitCombo(ctx context.Context, legs []ComboLeg, quantity float64) (Ticket, error) {
	return Ticket{}, fmt.Errorf("%w: 组合订单", ErrUnsupported)
}

// Exercise 实盘交易所不支持行权指令。
func (e *Exchange) Exercise(ctx context.Context, symbol string, quantity float64) (Ticket, error) {
	return Ticket{}, fmt.Errorf("%w: 行权指令", ErrUnsupported)
}

// OpenOrders 汇总全部配置交易对的挂单。
func (e *Exchange) OpenOrders(ctx context.Context) ([]Ticket, error) {
	var out []Ticket
	for _, symbol := range e.symbols {
		raw, err := e.client.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		if err != nil {
			return nil, fmt.Errorf("venue: 查询 %s 挂单失败: %w", symbol, err)
		}
		for _, o := range raw {
			out = append(out, e.orderTicket(o))
		}
	}
	return out, nil
}

// CancelOpenOrders 逐一撤销全部挂单。
func (e *Exchange) CancelOpenOrders(ctx context.Context) error {
	tickets, err := e.OpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, ticket := range tickets {
		if _, err := e.client.CancelOrder(ticket.ID, ccxt.WithCancelOrderSymbol(ticket.Symbol)); err != nil {
			return fmt.Errorf("venue: 撤销挂单 %s 失败: %w", ticket.ID, err)
		}
	}
	if len(tickets) > 0 {
		e.logger.Info("已撤销全部挂单", zap.Int("count", len(tickets)))
	}
	return nil
}

// Positions 返回非零仓位。空头方向以负数数量表示。
func (e *Exchange) Positions(ctx context.Context) ([]Position, error) {
	raw, err := e.client.FetchPositions()
	if err != nil {
		return nil, fmt.Errorf("venue: 获取持仓失败: %w", err)
	}

	var out []Position
	for _, p := range raw {
		symbol := derefString(p.Symbol)
		size := derefFloat(p.Contracts)
		if symbol == "" || size == 0 {
			continue
		}
		if strings.EqualFold(derefString(p.Side), "short") {
			size = -size
		}
		out = append(out, Position{
			Symbol:     symbol,
			Quantity:   size,
			EntryPrice: derefFloat(p.EntryPrice),
		})
	}
	return out, nil
}

// Liquidate 用只减仓市价单平掉全部仓位。
func (e *Exchange) Liquidate(ctx context.Context) error {
	positions, err := e.Positions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		side := "sell"
		if pos.Quantity < 0 {
			side = "buy"
		}
		params := map[string]interface{}{"reduceOnly": true}
		if _, err := e.client.CreateMarketOrder(pos.Symbol, side, math.Abs(pos.Quantity),
			ccxt.WithCreateMarketOrderParams(params)); err != nil {
			return fmt.Errorf("venue: 平仓 %s 失败: %w", pos.Symbol, err)
		}
		e.logger.Info("已平仓",
			zap.String("symbol", pos.Symbol),
			zap.Float64("quantity", pos.Quantity),
		)
	}
	return nil
}

// Session 加密市场连续交易，永远开盘。
func (e *Exchange) Session(symbol string) Session {
	return Session{Open: true, AlwaysOpen: true}
}

func (e *Exchange) ticketFrom(raw ccxt.Order, order Order) Ticket {
	ticket := e.orderTicket(raw)
	if ticket.Symbol == "" {
		ticket.Symbol = order.Symbol
	}
	if ticket.ClientID == "" {
		ticket.ClientID = order.ClientID
	}
	ticket.Type = order.Type
	return ticket
}

func (e *Exchange) orderTicket(raw ccxt.Order) Ticket {
	ticket := Ticket{
		ID:       derefString(raw.Id),
		ClientID: derefString(raw.ClientOrderId),
		Symbol:   derefString(raw.Symbol),
		Quantity: derefFloat(raw.Amount),
		Status:   statusFrom(raw),
	}
	if raw.Timestamp != nil {
		ticket.SubmittedAt = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}
	return ticket
}

// statusFrom 把交易所订单状态映射到统一回执状态。
func statusFrom(raw ccxt.Order) Status {
	filled := derefFloat(raw.Filled)
	remaining := derefFloat(raw.Remaining)

	switch strings.ToLower(derefString(raw.Status)) {
	case "open":
		if filled > 0 && remaining > 0 {
			return StatusPartiallyFilled
		}
		return StatusAccepted
	case "closed":
		return StatusFilled
	case "canceled", "cancelled":
		return StatusCancelled
	case "rejected", "expired":
		return StatusInvalid
	default:
		return StatusPending
	}
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
