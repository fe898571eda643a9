package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"broker-conformance/internal/config"
	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/venue"
)

var tickStart = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

type fakeVenue struct {
	calls     []string
	positions []venue.Position
	open      []venue.Ticket
	session   venue.Session

	status         venue.Status
	exerciseStatus venue.Status

	orders    []venue.Order
	combos    [][]venue.ComboLeg
	exercised []string
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		session:        venue.Session{Open: true},
		status:         venue.StatusAccepted,
		exerciseStatus: venue.StatusAccepted,
	}
}

func (f *fakeVenue) Submit(ctx context.Context, order venue.Order) (venue.Ticket, error) {
	f.calls = append(f.calls, "Submit")
	f.orders = append(f.orders, order)
	return venue.Ticket{
		ID:       fmt.Sprintf("T-%d", len(f.orders)),
		Symbol:   order.Symbol,
		Type:     order.Type,
		Quantity: order.Quantity,
		Status:   f.status,
	}, nil
}

func (f *fakeVenue) SubmitCombo(ctx context.Context, legs []venue.ComboLeg, quantity float64) (venue.Ticket, error) {
	f.calls = append(f.calls, "SubmitCombo")
	f.combos = append(f.combos, legs)
	return venue.Ticket{ID: fmt.Sprintf("C-%d", len(f.combos)), Status: f.status}, nil
}

func (f *fakeVenue) Exercise(ctx context.Context, symbol string, quantity float64) (venue.Ticket, error) {
	f.calls = append(f.calls, "Exercise")
	f.exercised = append(f.exercised, symbol)
	return venue.Ticket{ID: symbol, Symbol: symbol, Quantity: quantity, Status: f.exerciseStatus}, nil
}

func (f *fakeVenue) CancelOpenOrders(ctx context.Context) error {
	f.calls = append(f.calls, "CancelOpenOrders")
	f.open = nil
	return nil
}

func (f *fakeVenue) OpenOrders(ctx context.Context) ([]venue.Ticket, error) {
	f.calls = append(f.calls, "OpenOrders")
	return f.open, nil
}

func (f *fakeVenue) Positions(ctx context.Context) ([]venue.Position, error) {
	f.calls = append(f.calls, "Positions")
	return f.positions, nil
}

func (f *fakeVenue) Liquidate(ctx context.Context) error {
	f.calls = append(f.calls, "Liquidate")
	f.positions = nil
	return nil
}

func (f *fakeVenue) Session(symbol string) venue.Session {
	return f.session
}

type fakeHistory struct {
	counts  map[string]int
	queries []string
}

func (f *fakeHistory) History(ctx context.Context, symbol string, lookback int, res marketdata.Resolution, kind marketdata.DataKind) ([]marketdata.Bar, error) {
	f.queries = append(f.queries, fmt.Sprintf("%s/%s/%s", symbol, res, kind))
	n := lookback
	if f.counts != nil {
		n = f.counts[symbol]
	}
	bars := make([]marketdata.Bar, n)
	return bars, nil
}

func plainProfile(orderTypes ...string) config.ProfileConfig {
	return config.ProfileConfig{
		Families: []config.FamilyConfig{
			{Name: "AAA", Kind: "equity"},
			{Name: "BBB", Kind: "equity"},
		},
		OrderTypes:            orderTypes,
		FutureLeadDays:        29,
		OpenOrderTimeoutTicks: 5,
		DataResolution:        "minute",
		UnitQuantity:          1,
		CryptoUnitQuantity:    0.01,
	}
}

func pricedSnapshot(tick int, prices map[string]float64) marketdata.Snapshot {
	return marketdata.Snapshot{
		Time:   tickStart.Add(time.Duration(tick) * time.Minute),
		Prices: prices,
	}
}

func mustScheduler(t *testing.T, profile config.ProfileConfig, client venue.Client, history marketdata.HistorySource) *Scheduler {
	t.Helper()
	catalog, err := NewCatalog("test", profile)
	if err != nil {
		t.Fatalf("NewCatalog returned error: %v", err)
	}
	s, err := NewScheduler(catalog, client, history, nil)
	if err != nil {
		t.Fatalf("NewScheduler returned error: %v", err)
	}
	return s
}

func TestScheduler_GatesUntilResolvedAndPriced(t *testing.T) {
	fake := newFakeVenue()
	profile := config.ProfileConfig{
		Families: []config.FamilyConfig{
			{Name: "AAA", Kind: "equity"},
			{Name: "OPT", Kind: "option", Root: "R"},
		},
		OrderTypes:            []string{"market"},
		FutureLeadDays:        29,
		OpenOrderTimeoutTicks: 5,
		DataResolution:        "minute",
		UnitQuantity:          1,
		CryptoUnitQuantity:    0.01,
	}
	s := mustScheduler(t, profile, fake, nil)
	ctx := context.Background()

	// 链缺失，期权家族无法解析。
	report, err := s.OnData(ctx, pricedSnapshot(0, map[string]float64{"AAA": 10}))
	if err != nil {
		t.Fatalf("OnData returned error: %v", err)
	}
	if !report.Gated || !strings.Contains(report.GateReason, "OPT") {
		t.Errorf("expected gate on unresolved family, got %+v", report)
	}

	// 链就绪但合约无价。
	expiry := tickStart.AddDate(0, 0, 30)
	contract := optionContract("R", expiry, 100, marketdata.RightCall)
	snap := pricedSnapshot(1, map[string]float64{"AAA": 10})
	snap.Chains = map[string]marketdata.Chain{"R": {Root: "R", Contracts: []marketdata.Contract{contract}}}
	report, err = s.OnData(ctx, snap)
	if err != nil {
		t.Fatalf("OnData returned error: %v", err)
	}
	if !report.Gated || !strings.Contains(report.GateReason, contract.Symbol) {
		t.Errorf("expected gate on missing price, got %+v", report)
	}

	// 全部就绪：本帧只落地用例列表，不派发。
	snap = pricedSnapshot(2, map[string]float64{"AAA": 10, contract.Symbol: 3.1})
	snap.Chains = map[string]marketdata.Chain{"R": {Root: "R", Contracts: []marketdata.Contract{contract}}}
	report, err = s.OnData(ctx, snap)
	if err != nil {
		t.Fatalf("OnData returned error: %v", err)
	}
	if report.Gated || report.Case != nil {
		t.Errorf("setup tick must not dispatch, got %+v", report)
	}
	if s.State() != StateDispatching {
		t.Errorf("expected dispatching state, got %s", s.State())
	}
	if len(fake.calls) != 0 {
		t.Errorf("no venue call may happen before dispatching, got %v", fake.calls)
	}
}

func TestScheduler_DispatchesExactlyOneCasePerTick(t *testing.T) {
	fake := newFakeVenue()
	s := mustScheduler(t, plainProfile("market", "limit"), fake, nil)
	ctx := context.Background()
	prices := map[string]float64{"AAA": 10, "BBB": 20}

	if _, err := s.OnData(ctx, pricedSnapshot(0, prices)); err != nil {
		t.Fatalf("setup tick returned error: %v", err)
	}

	report, err := s.OnData(ctx, pricedSnapshot(1, prices))
	if err != nil {
		t.Fatalf("OnData returned error: %v", err)
	}
	if report.Case == nil || report.Case.Type != venue.TypeMarket {
		t.Fatalf("expected market case first, got %+v", report.Case)
	}
	if report.Case.Action != ActionSubmitted {
		t.Errorf("expected submission, got %s", report.Case.Action)
	}
	if len(fake.orders) != 2 {
		t.Errorf("expected exactly 2 orders, one per instrument, got %d", len(fake.orders))
	}
	for _, call := range fake.calls {
		if call == "CancelOpenOrders" || call == "Liquidate" {
			t.Errorf("clean venue must not trigger %s", call)
		}
	}

	report, err = s.OnData(ctx, pricedSnapshot(2, prices))
	if err != nil {
		t.Fatalf("OnData returned error: %v", err)
	}
	if report.Case == nil || report.Case.Type != venue.TypeLimit {
		t.Fatalf("expected limit case second, got %+v", report.Case)
	}
	if !report.Completed || report.Summary == nil {
		t.Fatalf("expected completion after last case, got %+v", report)
	}
	if report.Summary.CasesDispatched != 2 {
		t.Errorf("expected exactly 2 dispatches, got %d", report.Summary.CasesDispatched)
	}
	if report.Summary.OrdersSubmitted != 4 {
		t.Errorf("expected 4 submitted orders in summary, got %d", report.Summary.OrdersSubmitted)
	}
	if s.State() != StateCompleted {
		t.Errorf("expected completed state, got %s", s.State())
	}
}

func TestScheduler_GateUsesLastKnownPrice(t *testing.T) {
	fake := newFakeVenue()
	s := mustScheduler(t, plainProfile("market", "limit"), fake, nil)
	ctx := context.Background()

	if _, err := s.OnData(ctx, pricedSnapshot(0, map[string]float64{"AAA": 10, "BBB": 20})); err != nil {
		t.Fatalf("setup tick returned error: %v", err)
	}

	// 本帧行情缺失 BBB，价格闸门应使用缓存值放行。
	report, err := s.OnData(ctx, pricedSnapshot(1, map[string]float64{"AAA": 10}))
	if err != nil {
		t.Fatalf("OnData returned error: %v", err)
	}
	if report.Gated {
		t.Fatalf("gate must pass on cached price, got %+v", report)
	}
	if report.Case == nil || report.Case.Action != ActionSubmitted {
		t.Fatalf("expected dispatch despite data gap, got %+v", report.Case)
	}
}

func TestScheduler_InvalidSubmissionAbortsRun(t *testing.T) {
	fake := newFakeVenue()
	fake.status = venue.StatusInvalid
	s := mustScheduler(t, plainProfile("market", "limit"), fake, nil)
	ctx := context.Background()
	prices := map[string]float64{"AAA": 10, "BBB": 20}

	if _, err := s.OnData(ctx, pricedSnapshot(0, prices)); err != nil {
		t.Fatalf("setup tick returned error: %v", err)
	}

	report, err := s.OnData(ctx, pricedSnapshot(1, prices))
	if err == nil {
		t.Fatalf("expected fatal conformance failure")
	}
	if !IsConformance(err) {
		t.Errorf("error must be distinguishable as conformance failure: %v", err)
	}
	if !strings.Contains(err.Error(), "AAA") {
		t.Errorf("diagnostic must name the instrument: %v", err)
	}
	if !report.Completed || s.State() != StateCompleted {
		t.Errorf("fatal failure must terminate the run, state %s", s.State())
	}

	// 终态后不再处理行情帧。
	before := len(fake.calls)
	report, err = s.OnData(ctx, pricedSnapshot(2, prices))
	if err != nil || !report.Completed {
		t.Fatalf("completed scheduler must be a no-op, got %+v err=%v", report, err)
	}
	if len(fake.calls) != before {
		t.Errorf("no venue call may happen after completion")
	}
}

func TestScheduler_ZeroObservationsFailValidation(t *testing.T) {
	fake := newFakeVenue()
	s := mustScheduler(t, plainProfile("market"), fake, nil)
	ctx := context.Background()

	// BBB 只在闸门帧出现过一次价格，之后的派发帧里始终缺席。
	if _, err := s.OnData(ctx, pricedSnapshot(0, map[string]float64{"AAA": 10, "BBB": 20})); err != nil {
		t.Fatalf("setup tick returned error: %v", err)
	}
	_, err := s.OnData(ctx, pricedSnapshot(1, map[string]float64{"AAA": 10}))
	if err == nil {
		t.Fatalf("expected validation failure for unobserved instrument")
	}
	if !IsConformance(err) {
		t.Errorf("zero observations must be a conformance failure: %v", err)
	}
	if !strings.Contains(err.Error(), "BBB") {
		t.Errorf("diagnostic must name the unobserved instrument: %v", err)
	}
}

func TestScheduler_HistoryShortfallFailsValidation(t *testing.T) {
	fake := newFakeVenue()
	history := &fakeHistory{counts: map[string]int{"AAA": 30, "BBB": 12}}
	profile := plainProfile("market")
	profile.HistoryChecks = []config.HistoryCheckConfig{
		{Resolution: "minute", DataKind: "trade", Lookback: 30, ExpectedCount: 30},
	}
	s := mustScheduler(t, profile, fake, history)
	ctx := context.Background()
	prices := map[string]float64{"AAA": 10, "BBB": 20}

	if _, err := s.OnData(ctx, pricedSnapshot(0, prices)); err != nil {
		t.Fatalf("setup tick returned error: %v", err)
	}
	_, err := s.OnData(ctx, pricedSnapshot(1, prices))
	if err == nil {
		t.Fatalf("expected history shortfall failure")
	}
	if !IsConformance(err) {
		t.Errorf("history shortfall must be a conformance failure: %v", err)
	}
	if !strings.Contains(err.Error(), "BBB/minute/trade") {
		t.Errorf("diagnostic must carry the instrument/resolution/kind triple: %v", err)
	}
	if len(history.queries) != 2 {
		t.Errorf("expected one query per instrument, got %v", history.queries)
	}
}

func TestScheduler_HistoryPassesWithExactCounts(t *testing.T) {
	fake := newFakeVenue()
	history := &fakeHistory{}
	profile := plainProfile("market")
	profile.HistoryChecks = []config.HistoryCheckConfig{
		{Resolution: "minute", DataKind: "trade", Lookback: 30, ExpectedCount: 30},
		{Resolution: "daily", DataKind: "quote", Lookback: 5},
	}
	s := mustScheduler(t, profile, fake, history)
	ctx := context.Background()
	prices := map[string]float64{"AAA": 10, "BBB": 20}

	if _, err := s.OnData(ctx, pricedSnapshot(0, prices)); err != nil {
		t.Fatalf("setup tick returned error: %v", err)
	}
	report, err := s.OnData(ctx, pricedSnapshot(1, prices))
	if err != nil {
		t.Fatalf("expected run to pass, got %v", err)
	}
	if !report.Completed || report.Summary == nil {
		t.Fatalf("expected completed run with summary, got %+v", report)
	}
	if len(history.queries) != 4 {
		t.Errorf("expected 2 checks x 2 instruments queries, got %v", history.queries)
	}
	if report.Summary.Observed["AAA"] != 1 || report.Summary.Observed["BBB"] != 1 {
		t.Errorf("observed counters wrong: %v", report.Summary.Observed)
	}
}
