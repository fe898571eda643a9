package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"broker-conformance/internal/config"
)

// Client 从交易所拉取实盘行情并实现重试机制。实盘行情只覆盖
// 加密资产类标的，不提供合约链。
type Client struct {
	cfg     config.VenueConfig
	symbols []string
	logger  *zap.Logger

	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 行情客户端。
func NewClient(cfg config.VenueConfig, symbols []string, logger *zap.Logger) (*Client, error) {
	if len(symbols) == 0 {
		return nil, errors.New("marketdata: 行情标的列表不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		symbols:  append([]string(nil), symbols...),
		logger:   logger,
		exchange: ex,
	}, nil
}

// Raw 返回底层 ccxt 客户端，供下单侧复用同一连接配置。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// Snapshot 并发拉取全部标的的最新价并组装成一帧快照。
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Snapshot{}, err
	}

	prices := make(map[string]float64, len(c.symbols))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range c.symbols {
		symbol := symbol
		g.Go(func() error {
			price, err := c.latestPrice(gctx, symbol)
			if err != nil {
				return err
			}
			mu.Lock()
			prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{Time: time.Now().UTC(), Prices: prices}, nil
}

// latestPrice 优先取最近一根K线的收盘价，失败时退回订单簿买一价。
func (c *Client) latestPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := c.callWithRetry(ctx, fmt.Sprintf("latest_price_%s", symbol), func() error {
		candles, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe("1m"),
			ccxt.WithFetchOHLCVLimit(1),
		)
		if err == nil && len(candles) > 0 {
			price = candles[len(candles)-1].Close
			return nil
		}

		book, bookErr := c.exchange.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(5))
		if bookErr != nil {
			if err != nil {
				return err
			}
			return bookErr
		}
		if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
			price = book.Bids[0][0]
			return nil
		}
		return fmt.Errorf("marketdata: 标的 %s 暂无可用报价", symbol)
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

// History 按粒度拉取历史K线。实盘行情源只提供成交类数据。
func (c *Client) History(ctx context.Context, symbol string, lookback int, res Resolution, kind DataKind) ([]Bar, error) {
	if kind != DataTrade {
		return nil, fmt.Errorf("marketdata: 实盘行情源不支持 %s 类历史数据", kind)
	}
	if lookback <= 0 {
		return nil, errors.New("marketdata: lookback 必须为正数")
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, fmt.Sprintf("history_%s_%s", symbol, res), func() error {
		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframeFor(res)),
			ccxt.WithFetchOHLCVLimit(int64(lookback)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(raw))
	for _, item := range raw {
		bars = append(bars, Bar{
			Time:   time.UnixMilli(item.Timestamp).UTC(),
			Open:   item.Open,
			High:   item.High,
			Low:    item.Low,
			Close:  item.Close,
			Volume: item.Volume,
		})
	}
	return bars, nil
}

func timeframeFor(res Resolution) string {
	switch res {
	case ResolutionHour:
		return "1h"
	case ResolutionDaily:
		return "1d"
	default:
		return "1m"
	}
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.Strings("symbols", c.symbols))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
