package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/venue"
)

// State 表示调度器所处的生命周期阶段。
type State uint8

const (
	// StateGating 表示仍在等待全部前置条件满足。
	StateGating State = iota
	// StateDispatching 表示用例列表已落地，正在逐帧派发。
	StateDispatching
	// StateCompleted 表示全部用例跑完且跑后校验已执行，为终态。
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateGating:
		return "gating"
	case StateDispatching:
		return "dispatching"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Instrument 是用例落地时固化下来的受测合约。
type Instrument struct {
	Family   string
	Symbol   string
	Kind     marketdata.SecurityKind
	Quantity float64
}

// Case 是一条已落地的测试用例：一种订单类型加一组受测合约。
type Case struct {
	Type        venue.OrderType
	Instruments []Instrument
}

// RunState 持有一次运行期间的全部可变状态，与只读的 Catalog 分离。
type RunState struct {
	cases       []Case
	caseIndex   int
	resolved    map[string]marketdata.Contract
	lastPrice   map[string]float64
	observed    map[string]int
	submittedOn map[venue.OrderType]map[string]struct{}

	openOrderWait int

	ticks           int
	gatedTicks      int
	ordersSubmitted int
	cancels         int
	liquidations    int
	softSkips       int
	startedAt       time.Time
	finishedAt      time.Time
}

// Scheduler 以行情帧驱动整个一致性测试流程：先解析合约并等待价格
// 就绪，随后落地用例列表，每帧恰好派发一个用例，收尾时执行跑后校验。
// 调度器不做并发防护，必须由单一宿主循环驱动。
type Scheduler struct {
	catalog  *Catalog
	resolver *Resolver
	venue    venue.Client
	history  marketdata.HistorySource
	logger   *zap.Logger

	state State
	run   RunState
}

// NewScheduler 构造调度器。history 传 nil 时跳过历史数据校验。
func NewScheduler(catalog *Catalog, client venue.Client, history marketdata.HistorySource, logger *zap.Logger) (*Scheduler, error) {
	if catalog == nil {
		return nil, errors.New("harness: catalog 不能为空")
	}
	if client == nil {
		return nil, errors.New("harness: venue client 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		catalog:  catalog,
		resolver: NewResolver(catalog.FutureLeadDays, logger),
		venue:    client,
		history:  history,
		logger:   logger,
		state:    StateGating,
		run: RunState{
			resolved:    make(map[string]marketdata.Contract),
			lastPrice:   make(map[string]float64),
			observed:    make(map[string]int),
			submittedOn: make(map[venue.OrderType]map[string]struct{}),
		},
	}, nil
}

// OnData 处理一帧行情并返回本帧报告。返回错误表示运行失败；
// 一致性失败可用 IsConformance 与传输层错误区分。
func (s *Scheduler) OnData(ctx context.Context, snap marketdata.Snapshot) (TickReport, error) {
	if s.state == StateCompleted {
		return TickReport{State: StateCompleted, Completed: true}, nil
	}

	s.run.ticks++
	if s.run.startedAt.IsZero() {
		s.run.startedAt = snap.Time
	}

	if reason, ok := s.gate(snap); !ok {
		s.run.gatedTicks++
		s.logger.Debug("前置条件未满足，跳过本帧", zap.String("reason", reason))
		return TickReport{State: s.state, Gated: true, GateReason: reason}, nil
	}

	if s.state == StateGating {
		s.setup()
		s.state = StateDispatching
		s.logger.Info("用例列表已落地",
			zap.Int("cases", len(s.run.cases)),
			zap.Int("instruments", len(s.run.resolved)))
		return TickReport{State: s.state}, nil
	}

	s.recordObserved(snap)

	c := s.run.cases[s.run.caseIndex]
	result, err := s.dispatch(ctx, c, snap)
	s.run.caseIndex++
	s.accumulate(result)
	report := TickReport{State: s.state, Case: result}
	if err != nil {
		s.state = StateCompleted
		report.State = StateCompleted
		report.Completed = true
		return report, err
	}

	if s.run.caseIndex >= len(s.run.cases) {
		s.run.finishedAt = snap.Time
		if verr := s.validate(ctx); verr != nil {
			s.state = StateCompleted
			report.State = StateCompleted
			report.Completed = true
			return report, verr
		}
		s.state = StateCompleted
		report.State = StateCompleted
		report.Completed = true
		report.Summary = s.summarize()
		s.logger.Info("全部用例执行完毕，跑后校验通过",
			zap.Int("cases", report.Summary.CasesDispatched),
			zap.Int("orders", report.Summary.OrdersSubmitted))
	}
	return report, nil
}

// gate 检查派发前置条件：全部受测家族已解析出合约，且每个已解析
// 合约都有已知的非零价格。价格取最近一次出现的值，行情帧允许间歇
// 缺失某个标的。解析结果只写一次，后续帧不再改写。
func (s *Scheduler) gate(snap marketdata.Snapshot) (string, bool) {
	for _, family := range s.catalog.Families {
		if !family.UnderTest() {
			continue
		}
		if _, done := s.run.resolved[family.Name]; done {
			continue
		}
		contract, ok := s.resolver.Resolve(family, snap)
		if !ok {
			return fmt.Sprintf("家族 %s 尚未解析出合约", family.Name), false
		}
		s.run.resolved[family.Name] = contract
		s.logger.Info("家族解析完成",
			zap.String("family", family.Name),
			zap.String("symbol", contract.Symbol),
			zap.String("kind", string(contract.Kind)))
	}

	for _, contract := range s.run.resolved {
		if price, ok := snap.Price(contract.Symbol); ok && price > 0 {
			s.run.lastPrice[contract.Symbol] = price
		}
	}

	for _, family := range s.catalog.Families {
		contract, ok := s.run.resolved[family.Name]
		if !ok {
			continue
		}
		if s.run.lastPrice[contract.Symbol] <= 0 {
			return fmt.Sprintf("标的 %s 价格尚未就绪", contract.Symbol), false
		}
	}
	return "", true
}

// setup 固化用例列表并初始化行情观测计数。落地帧不派发用例。
func (s *Scheduler) setup() {
	for _, typ := range s.catalog.OrderTypes {
		families := s.catalog.FamiliesFor(typ)
		instruments := make([]Instrument, 0, len(families))
		for _, family := range families {
			contract, ok := s.run.resolved[family.Name]
			if !ok {
				continue
			}
			instruments = append(instruments, Instrument{
				Family:   family.Name,
				Symbol:   contract.Symbol,
				Kind:     contract.Kind,
				Quantity: s.catalog.QuantityFor(contract.Kind),
			})
		}
		s.run.cases = append(s.run.cases, Case{Type: typ, Instruments: instruments})
	}
	for _, contract := range s.run.resolved {
		s.run.observed[contract.Symbol] = 0
	}
}

// recordObserved 统计本帧到价的受测合约，供跑后校验使用。
func (s *Scheduler) recordObserved(snap marketdata.Snapshot) {
	for symbol := range s.run.observed {
		if price, ok := snap.Price(symbol); ok && price > 0 {
			s.run.observed[symbol]++
		}
	}
}

func (s *Scheduler) accumulate(result *CaseResult) {
	if result == nil {
		return
	}
	switch result.Action {
	case ActionSubmitted:
		s.run.ordersSubmitted += len(result.Statuses)
	case ActionCancelled:
		s.run.cancels++
	case ActionLiquidated:
		s.run.liquidations++
	case ActionSkipped:
		s.run.softSkips++
	}
}

func (s *Scheduler) summarize() *RunSummary {
	observed := make(map[string]int, len(s.run.observed))
	for symbol, count := range s.run.observed {
		observed[symbol] = count
	}
	return &RunSummary{
		Profile:         s.catalog.Profile,
		Ticks:           s.run.ticks,
		GatedTicks:      s.run.gatedTicks,
		CasesDispatched: s.run.caseIndex,
		OrdersSubmitted: s.run.ordersSubmitted,
		Cancels:         s.run.cancels,
		Liquidations:    s.run.liquidations,
		SoftSkips:       s.run.softSkips,
		Observed:        observed,
		StartedAt:       s.run.startedAt,
		FinishedAt:      s.run.finishedAt,
	}
}

// price 返回标的最近一次出现的价格。派发前 gate 已用本帧行情刷新缓存。
func (s *Scheduler) price(symbol string) float64 {
	return s.run.lastPrice[symbol]
}

// State 返回调度器当前阶段。
func (s *Scheduler) State() State {
	return s.state
}

// Resolved 返回家族到已解析合约的映射副本。
func (s *Scheduler) Resolved() map[string]marketdata.Contract {
	out := make(map[string]marketdata.Contract, len(s.run.resolved))
	for name, contract := range s.run.resolved {
		out[name] = contract
	}
	return out
}
