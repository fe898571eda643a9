package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker-conformance/internal/config"
	"broker-conformance/internal/harness"
	"broker-conformance/internal/store"
)

// App 聚合核心依赖并驱动一次一致性运行的生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 执行当前画像下的一次完整一致性运行。仿真模式跑完行情序列
// 即返回，实盘模式按轮询间隔驱动直到运行终态或收到退出信号。
func (a *App) Run(ctx context.Context) error {
	profileCfg, err := a.cfg.Active()
	if err != nil {
		return err
	}

	r, err := newRunner(runnerConfig{
		profile:    a.cfg.ActiveProfile,
		profileCfg: profileCfg,
		venue:      a.cfg.Venue,
	}, a.logger, a.store)
	if err != nil {
		return err
	}

	a.logger.Info("一致性测试系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("profile", a.cfg.ActiveProfile),
		zap.Bool("simulation", a.cfg.Venue.Simulation),
	)

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, r.Monitor(), a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	r.Start(ctx)

	if a.cfg.Venue.Simulation {
		return r.runSim(ctx)
	}
	return a.runLive(ctx, r)
}

func (a *App) runLive(ctx context.Context, r *runner) error {
	interval := a.cfg.Venue.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}

	done, err := r.tickLive(ctx)
	if done {
		return err
	}
	if err != nil {
		a.logger.Error("首帧执行失败", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if cerr := ctx.Err(); cerr != nil && !errors.Is(cerr, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", cerr)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			done, err := r.tickLive(ctx)
			if done {
				if err != nil && harness.IsConformance(err) {
					a.logger.Error("一致性校验未通过", zap.Error(err))
				}
				return err
			}
			if err != nil {
				a.logger.Error("处理行情帧失败", zap.Error(err))
			}
		}
	}
}
