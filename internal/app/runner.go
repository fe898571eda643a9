package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"broker-conformance/internal/config"
	"broker-conformance/internal/harness"
	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/monitor"
	"broker-conformance/internal/sim"
	"broker-conformance/internal/store"
	"broker-conformance/internal/venue"
)

// runner 把行情源、受测场所与调度器串成一条流水线，并把每帧的
// 执行情况落到监控事件表。
type runner struct {
	runID     string
	catalog   *harness.Catalog
	scheduler *harness.Scheduler
	monitor   *monitor.Service
	logger    *zap.Logger

	provider *marketdata.SliceProvider
	simVenue *sim.Venue
	client   *marketdata.Client

	ticks          int
	caseIndex      int
	resolutionSent bool
}

type runnerConfig struct {
	profile    string
	profileCfg config.ProfileConfig
	venue      config.VenueConfig
}

func newRunner(cfg runnerConfig, logger *zap.Logger, store *store.Store) (*runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog, err := harness.NewCatalog(cfg.profile, cfg.profileCfg)
	if err != nil {
		return nil, fmt.Errorf("构建用例目录失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	r := &runner{
		runID:   uuid.NewString(),
		catalog: catalog,
		monitor: monitorSvc,
		logger:  logger,
	}

	if cfg.venue.Simulation {
		if err := r.buildSim(cfg); err != nil {
			return nil, err
		}
	} else {
		if err := r.buildLive(cfg); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// buildSim 搭建仿真流水线：确定性行情序列、内存受测场所与合成历史源。
func (r *runner) buildSim(cfg runnerConfig) error {
	basePrices := make(map[string]float64, len(cfg.profileCfg.Families))
	for _, fc := range cfg.profileCfg.Families {
		basePrices[fc.Name] = fc.BasePrice
	}

	specs := make([]sim.FamilySpec, 0, len(r.catalog.Families))
	alwaysOpen := make([]string, 0)
	for _, fam := range r.catalog.Families {
		specs = append(specs, sim.FamilySpec{
			Name:       fam.Name,
			Kind:       fam.Kind,
			Root:       fam.Root,
			Underlying: fam.Underlying,
			BasePrice:  basePrices[fam.Name],
		})
		if fam.Kind.IsCrypto() {
			alwaysOpen = append(alwaysOpen, fam.Name)
		}
	}

	interval := time.Minute
	snaps := sim.BuildSnapshots(sim.FeedConfig{
		Interval:    interval,
		Ticks:       cfg.venue.SimTicks,
		WarmupTicks: cfg.venue.SimWarmupTicks,
		Families:    specs,
	})
	if len(snaps) == 0 {
		return fmt.Errorf("行情序列为空")
	}

	simVenue := sim.NewVenue(r.logger)
	simVenue.MarkAlwaysOpen(alwaysOpen...)

	end := snaps[len(snaps)-1].Time.Add(interval)
	scheduler, err := harness.NewScheduler(r.catalog, simVenue, sim.NewHistory(end), r.logger)
	if err != nil {
		return err
	}

	r.provider = marketdata.NewSliceProvider(snaps)
	r.simVenue = simVenue
	r.scheduler = scheduler
	return nil
}

// buildLive 搭建实盘流水线。实盘行情源不提供合约链，画像里只能
// 出现具体类别的家族，家族名即交易所标的符号。
func (r *runner) buildLive(cfg runnerConfig) error {
	symbols := make([]string, 0, len(r.catalog.Families))
	for _, fam := range r.catalog.Families {
		if fam.Kind.NeedsChain() {
			return fmt.Errorf("实盘行情源不提供合约链，无法测试家族 %q", fam.Name)
		}
		symbols = append(symbols, fam.Name)
	}

	client, err := marketdata.NewClient(cfg.venue, symbols, r.logger)
	if err != nil {
		return fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	exch := venue.NewExchange(client.Raw(), symbols, r.logger)
	scheduler, err := harness.NewScheduler(r.catalog, exch, client, r.logger)
	if err != nil {
		return err
	}

	r.client = client
	r.scheduler = scheduler
	return nil
}

func (r *runner) Monitor() *monitor.Service {
	return r.monitor
}

// Start 记录运行开始事件。
func (r *runner) Start(ctx context.Context) {
	names := make([]string, 0, len(r.catalog.Families))
	for _, fam := range r.catalog.Families {
		names = append(names, fam.Name)
	}
	r.monitor.RecordRunStarted(ctx, r.runID, r.catalog.Profile, names)
	r.logger.Info("一致性运行开始",
		zap.String("run_id", r.runID),
		zap.String("profile", r.catalog.Profile),
		zap.Strings("families", names))
}

// runSim 以行情序列驱动一次完整运行，序列耗尽仍未完成视为失败。
func (r *runner) runSim(ctx context.Context) error {
	for {
		snap, ok, err := r.provider.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		report, err := r.step(ctx, snap)
		if err != nil {
			return err
		}
		if report.Completed {
			return nil
		}
	}
	return fmt.Errorf("行情序列耗尽但运行未完成，当前阶段 %s", r.scheduler.State())
}

// tickLive 拉取一帧实盘快照并推进调度器。返回的 done 表示运行已
// 到达终态；快照拉取失败不影响调度器状态，等待下一帧重试。
func (r *runner) tickLive(ctx context.Context) (bool, error) {
	snap, err := r.client.Snapshot(ctx)
	if err != nil {
		r.monitor.RecordError(ctx, "拉取行情快照失败", err, nil)
		return false, err
	}
	report, err := r.step(ctx, snap)
	if err != nil {
		return true, err
	}
	return report.Completed, nil
}

// step 处理一帧行情：先推进模拟场所的时钟与标价，再按画像的链
// 窗口裁剪快照，最后交给调度器并持久化监控事件。
func (r *runner) step(ctx context.Context, snap marketdata.Snapshot) (harness.TickReport, error) {
	r.ticks++
	if r.simVenue != nil {
		r.simVenue.Advance(snap)
	}

	report, err := r.scheduler.OnData(ctx, r.filterChains(snap))
	r.record(ctx, report, err)
	return report, err
}

// filterChains 按画像配置裁剪链合约，价格表保持原样。
func (r *runner) filterChains(snap marketdata.Snapshot) marketdata.Snapshot {
	if len(snap.Chains) == 0 {
		return snap
	}

	filtered := make(map[string]marketdata.Chain, len(snap.Chains))
	for root, chain := range snap.Chains {
		options := make([]marketdata.Contract, 0, len(chain.Contracts))
		futures := make([]marketdata.Contract, 0)
		for _, c := range chain.Contracts {
			if c.Kind == marketdata.KindFuture {
				futures = append(futures, c)
			} else {
				options = append(options, c)
			}
		}

		var underlying float64
		if len(options) > 0 {
			underlying = options[0].Underlying
		}

		kept := r.catalog.OptionFilter.Apply(snap.Time, underlying, options)
		kept = append(kept, r.catalog.FutureFilter.Apply(snap.Time, futures)...)
		filtered[root] = marketdata.Chain{Root: root, Contracts: kept}
	}

	snap.Chains = filtered
	return snap
}

func (r *runner) record(ctx context.Context, report harness.TickReport, err error) {
	if report.Gated && report.GateReason != "" {
		r.monitor.RecordGate(ctx, r.runID, r.ticks, report.GateReason)
	}

	if !r.resolutionSent && r.scheduler.State() != harness.StateGating {
		r.monitor.RecordResolution(ctx, r.runID, r.scheduler.Resolved())
		r.resolutionSent = true
	}

	if report.Case != nil {
		r.monitor.RecordCaseResult(ctx, r.runID, r.caseIndex, *report.Case)
		r.caseIndex++
	}

	if err != nil {
		if harness.IsConformance(err) {
			r.monitor.RecordConformanceFailure(ctx, r.runID, err)
		} else {
			r.monitor.RecordError(ctx, "处理行情帧失败", err, map[string]interface{}{"tick": r.ticks})
		}
	}

	if report.Summary != nil {
		r.monitor.RecordRunSummary(ctx, r.runID, *report.Summary)
	}
}
