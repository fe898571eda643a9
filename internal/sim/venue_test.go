package sim

import (
	"context"
	"testing"
	"time"

	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/venue"
)

var simOpen = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func advance(v *Venue, ts time.Time, prices map[string]float64) {
	v.Advance(marketdata.Snapshot{Time: ts, Prices: prices})
}

func positionsBySymbol(t *testing.T, v *Venue) map[string]venue.Position {
	t.Helper()
	positions, err := v.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions returned error: %v", err)
	}
	out := make(map[string]venue.Position, len(positions))
	for _, p := range positions {
		out[p.Symbol] = p
	}
	return out
}

func TestVenue_MarketOrderFillsAtMark(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"AAA": 100})

	ticket, err := v.Submit(context.Background(), venue.Order{Symbol: "AAA", Quantity: 1, Type: venue.TypeMarket})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if ticket.Status != venue.StatusFilled {
		t.Fatalf("expected immediate fill, got %s", ticket.Status)
	}
	pos := positionsBySymbol(t, v)["AAA"]
	if pos.Quantity != 1 || pos.EntryPrice != 100 {
		t.Errorf("expected 1@100 position, got %+v", pos)
	}
	if v.SubmittedCount() != 1 {
		t.Errorf("expected submitted counter 1, got %d", v.SubmittedCount())
	}
}

func TestVenue_MarketOrderWithoutMarkRejected(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, nil)

	ticket, err := v.Submit(context.Background(), venue.Order{Symbol: "GHOST", Quantity: 1, Type: venue.TypeMarket})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if ticket.Status != venue.StatusInvalid {
		t.Errorf("expected rejection without a mark, got %s", ticket.Status)
	}
	if len(positionsBySymbol(t, v)) != 0 {
		t.Errorf("rejected order must not open a position")
	}
}

func TestVenue_MissingPriceFieldsRejected(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"AAA": 100})
	ctx := context.Background()

	orders := []venue.Order{
		{Symbol: "AAA", Quantity: 1, Type: venue.TypeLimit},
		{Symbol: "AAA", Quantity: 1, Type: venue.TypeStopMarket},
		{Symbol: "AAA", Quantity: 1, Type: venue.TypeStopLimit, LimitPrice: 101},
		{Symbol: "AAA", Quantity: 1, Type: venue.TypeLimitIfTouched, StopPrice: 99},
		{Symbol: "AAA", Quantity: 1, Type: venue.TypeTrailingStop},
		{Symbol: "AAA", Quantity: 1, Type: venue.TypeComboMarket},
		{Symbol: "AAA", Quantity: 0, Type: venue.TypeMarket},
	}
	for _, order := range orders {
		ticket, err := v.Submit(ctx, order)
		if err != nil {
			t.Fatalf("%s: Submit returned error: %v", order.Type, err)
		}
		if ticket.Status != venue.StatusInvalid {
			t.Errorf("%s: expected rejection, got %s", order.Type, ticket.Status)
		}
	}
	open, err := v.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("OpenOrders returned error: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("rejected orders must not rest, got %d", len(open))
	}
}

func TestVenue_LimitOrderRestsThenFills(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"AAA": 100})
	ctx := context.Background()

	ticket, err := v.Submit(ctx, venue.Order{Symbol: "AAA", Quantity: 1, Type: venue.TypeLimit, LimitPrice: 99})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if ticket.Status != venue.StatusAccepted {
		t.Fatalf("expected resting order, got %s", ticket.Status)
	}
	if open, _ := v.OpenOrders(ctx); len(open) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(open))
	}

	advance(v, simOpen.Add(time.Minute), map[string]float64{"AAA": 98.5})
	if open, _ := v.OpenOrders(ctx); len(open) != 0 {
		t.Errorf("expected limit fill after touch, still %d open", len(open))
	}
	pos := positionsBySymbol(t, v)["AAA"]
	if pos.Quantity != 1 || pos.EntryPrice != 99 {
		t.Errorf("limit fill must book at the limit price, got %+v", pos)
	}
	if v.FillCount() != 1 {
		t.Errorf("expected fill counter 1, got %d", v.FillCount())
	}
}

func TestVenue_StopMarketTriggersOnRise(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"AAA": 100})
	ctx := context.Background()

	if _, err := v.Submit(ctx, venue.Order{Symbol: "AAA", Quantity: 1, Type: venue.TypeStopMarket, StopPrice: 101}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	advance(v, simOpen.Add(time.Minute), map[string]float64{"AAA": 100.5})
	if open, _ := v.OpenOrders(ctx); len(open) != 1 {
		t.Fatalf("stop must not trigger below the stop price")
	}

	advance(v, simOpen.Add(2*time.Minute), map[string]float64{"AAA": 101.5})
	if open, _ := v.OpenOrders(ctx); len(open) != 0 {
		t.Errorf("expected stop trigger on rise")
	}
	pos := positionsBySymbol(t, v)["AAA"]
	if pos.EntryPrice != 101.5 {
		t.Errorf("stop market fills at the prevailing mark, got %+v", pos)
	}
}

func TestVenue_StopLimitFillsInsideBand(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"AAA": 100})
	ctx := context.Background()

	if _, err := v.Submit(ctx, venue.Order{
		Symbol: "AAA", Quantity: 1, Type: venue.TypeStopLimit,
		StopPrice: 100.1, LimitPrice: 100.2,
	}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	// 低于触发价：继续等待。
	advance(v, simOpen.Add(time.Minute), map[string]float64{"AAA": 100.05})
	if open, _ := v.OpenOrders(ctx); len(open) != 1 {
		t.Fatalf("must not fill below the stop")
	}
	// 冲过限价：买入保护生效，继续等待。
	advance(v, simOpen.Add(2*time.Minute), map[string]float64{"AAA": 100.5})
	if open, _ := v.OpenOrders(ctx); len(open) != 1 {
		t.Fatalf("must not fill beyond the limit")
	}
	// 落在触发价与限价之间：按限价成交。
	advance(v, simOpen.Add(3*time.Minute), map[string]float64{"AAA": 100.15})
	if open, _ := v.OpenOrders(ctx); len(open) != 0 {
		t.Errorf("expected fill inside the band")
	}
	pos := positionsBySymbol(t, v)["AAA"]
	if pos.EntryPrice != 100.2 {
		t.Errorf("stop limit fills at the limit price, got %+v", pos)
	}
}

func TestVenue_CancelOpenOrders(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"AAA": 100})
	ctx := context.Background()

	for _, limit := range []float64{98, 97} {
		if _, err := v.Submit(ctx, venue.Order{Symbol: "AAA", Quantity: 1, Type: venue.TypeLimit, LimitPrice: limit}); err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}
	if err := v.CancelOpenOrders(ctx); err != nil {
		t.Fatalf("CancelOpenOrders returned error: %v", err)
	}
	if open, _ := v.OpenOrders(ctx); len(open) != 0 {
		t.Errorf("expected empty book after cancel, got %d", len(open))
	}
	if v.CancelledCount() != 2 {
		t.Errorf("expected cancel counter 2, got %d", v.CancelledCount())
	}
}

func TestVenue_LiquidateFlattensAll(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"AAA": 100, "BBB": 50})
	ctx := context.Background()

	for _, symbol := range []string{"AAA", "BBB"} {
		if _, err := v.Submit(ctx, venue.Order{Symbol: symbol, Quantity: 1, Type: venue.TypeMarket}); err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}
	if err := v.Liquidate(ctx); err != nil {
		t.Fatalf("Liquidate returned error: %v", err)
	}
	if got := positionsBySymbol(t, v); len(got) != 0 {
		t.Errorf("expected flat book after liquidation, got %v", got)
	}
}

func TestVenue_ExerciseReducesPosition(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"OPT": 3})
	ctx := context.Background()

	if _, err := v.Submit(ctx, venue.Order{Symbol: "OPT", Quantity: 2, Type: venue.TypeMarket}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	ticket, err := v.Exercise(ctx, "OPT", 1)
	if err != nil {
		t.Fatalf("Exercise returned error: %v", err)
	}
	if ticket.Status != venue.StatusFilled {
		t.Errorf("expected exercise fill, got %s", ticket.Status)
	}
	if pos := positionsBySymbol(t, v)["OPT"]; pos.Quantity != 1 {
		t.Errorf("expected remaining quantity 1, got %+v", pos)
	}

	// 持仓不足与未知标的都拒绝。
	if ticket, _ := v.Exercise(ctx, "OPT", 5); ticket.Status != venue.StatusInvalid {
		t.Errorf("expected rejection beyond held quantity, got %s", ticket.Status)
	}
	if ticket, _ := v.Exercise(ctx, "GHOST", 1); ticket.Status != venue.StatusInvalid {
		t.Errorf("expected rejection for unknown symbol, got %s", ticket.Status)
	}
	if v.ExercisedCount() != 1 {
		t.Errorf("expected exercise counter 1, got %d", v.ExercisedCount())
	}
}

func TestVenue_SessionWindow(t *testing.T) {
	v := NewVenue(nil)
	v.MarkAlwaysOpen("BTCUSD")

	advance(v, simOpen, nil)
	if sess := v.Session("AAA"); !sess.Open || sess.AlwaysOpen {
		t.Errorf("expected open pit session at 15:00 UTC, got %+v", sess)
	}

	advance(v, time.Date(2024, 1, 2, 22, 0, 0, 0, time.UTC), nil)
	if sess := v.Session("AAA"); sess.Open {
		t.Errorf("expected closed session at 22:00 UTC, got %+v", sess)
	}
	if sess := v.Session("BTCUSD"); !sess.Open || !sess.AlwaysOpen {
		t.Errorf("continuous market must stay open, got %+v", sess)
	}

	v.SetSessionWindow(0, 24)
	if sess := v.Session("AAA"); !sess.Open {
		t.Errorf("expected open session under a 24h window, got %+v", sess)
	}
}

func TestVenue_OpenCloseOrdersWaitForSession(t *testing.T) {
	v := NewVenue(nil)
	ctx := context.Background()

	// 闭市时挂开盘价订单，开盘后才成交。
	advance(v, time.Date(2024, 1, 2, 22, 0, 0, 0, time.UTC), map[string]float64{"AAA": 100})
	if ticket, _ := v.Submit(ctx, venue.Order{Symbol: "AAA", Quantity: 1, Type: venue.TypeMarketOnOpen}); ticket.Status != venue.StatusAccepted {
		t.Fatalf("expected resting open order, got %s", ticket.Status)
	}
	advance(v, time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC), map[string]float64{"AAA": 100})
	if open, _ := v.OpenOrders(ctx); len(open) != 1 {
		t.Fatalf("open order must wait for the session")
	}
	advance(v, time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC), map[string]float64{"AAA": 101})
	if open, _ := v.OpenOrders(ctx); len(open) != 0 {
		t.Errorf("expected open order filled at the open")
	}

	// 开盘时挂收盘价订单，收盘后才成交。
	if err := v.Liquidate(ctx); err != nil {
		t.Fatalf("Liquidate returned error: %v", err)
	}
	if ticket, _ := v.Submit(ctx, venue.Order{Symbol: "AAA", Quantity: 1, Type: venue.TypeMarketOnClose}); ticket.Status != venue.StatusAccepted {
		t.Fatalf("expected resting close order")
	}
	advance(v, time.Date(2024, 1, 3, 16, 0, 0, 0, time.UTC), map[string]float64{"AAA": 101})
	if open, _ := v.OpenOrders(ctx); len(open) != 1 {
		t.Fatalf("close order must wait for the close")
	}
	advance(v, time.Date(2024, 1, 3, 21, 30, 0, 0, time.UTC), map[string]float64{"AAA": 101})
	if open, _ := v.OpenOrders(ctx); len(open) != 0 {
		t.Errorf("expected close order filled after the close")
	}
}

func TestVenue_ComboMarketFillsBothLegs(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"L1": 3.1, "L2": 3.0})
	legs := []venue.ComboLeg{{Symbol: "L1", Quantity: 1}, {Symbol: "L2", Quantity: -1}}

	ticket, err := v.SubmitCombo(context.Background(), legs, 1)
	if err != nil {
		t.Fatalf("SubmitCombo returned error: %v", err)
	}
	if ticket.Status != venue.StatusFilled {
		t.Fatalf("expected immediate combo fill, got %s", ticket.Status)
	}
	positions := positionsBySymbol(t, v)
	if pos := positions["L1"]; pos.Quantity != 1 || pos.EntryPrice != 3.1 {
		t.Errorf("unexpected long leg position %+v", pos)
	}
	if pos := positions["L2"]; pos.Quantity != -1 || pos.EntryPrice != 3.0 {
		t.Errorf("unexpected short leg position %+v", pos)
	}
}

func TestVenue_ComboLimitRestsUntilBothLegsTouch(t *testing.T) {
	v := NewVenue(nil)
	advance(v, simOpen, map[string]float64{"L1": 3.1, "L2": 3.0})
	ctx := context.Background()
	legs := []venue.ComboLeg{
		{Symbol: "L1", Quantity: 1, LimitPrice: 3.05},
		{Symbol: "L2", Quantity: -1, LimitPrice: 3.05},
	}

	ticket, err := v.SubmitCombo(ctx, legs, 1)
	if err != nil {
		t.Fatalf("SubmitCombo returned error: %v", err)
	}
	if ticket.Status != venue.StatusAccepted {
		t.Fatalf("expected resting combo, got %s", ticket.Status)
	}

	// 买腿高于限价，整单等待。
	advance(v, simOpen.Add(time.Minute), map[string]float64{"L1": 3.1, "L2": 3.1})
	if open, _ := v.OpenOrders(ctx); len(open) != 1 {
		t.Fatalf("combo must wait until every leg touches")
	}
	// 两腿同时满足后按各自限价成交。
	advance(v, simOpen.Add(2*time.Minute), map[string]float64{"L1": 3.0, "L2": 3.1})
	if open, _ := v.OpenOrders(ctx); len(open) != 0 {
		t.Errorf("expected combo fill")
	}
	positions := positionsBySymbol(t, v)
	if pos := positions["L1"]; pos.Quantity != 1 || pos.EntryPrice != 3.05 {
		t.Errorf("unexpected long leg position %+v", pos)
	}
	if pos := positions["L2"]; pos.Quantity != -1 || pos.EntryPrice != 3.05 {
		t.Errorf("unexpected short leg position %+v", pos)
	}
}
