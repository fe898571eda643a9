package venue

import (
	"context"
	"errors"
)

var (
	// ErrUnsupported 表示场所不支持该类操作，上层应在用例目录中排除。
	ErrUnsupported = errors.New("venue operation not supported")
)

// Client 是订单管理端协作者的统一契约。
type Client interface {
	Submit(ctx context.Context, order Order) (Ticket, error)
	SubmitCombo(ctx context.Context, legs []ComboLeg, quantity float64) (Ticket, error)
	Exercise(ctx context.Context, symbol string, quantity float64) (Ticket, error)
	CancelOpenOrders(ctx context.Context) error
	OpenOrders(ctx context.Context) ([]Ticket, error)
	Positions(ctx context.Context) ([]Position, error)
	Liquidate(ctx context.Context) error
	Session(symbol string) Session
}
