package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"confluence-trader/internal/config"
)

// Client 负责与交易所交互并实现重试机制。
// 只读调用走指数退避重试；下单调用只尝试一次，错误分类交由上层处理，
// 避免市价单在超时后重复成交。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
	markets       map[string]ccxt.MarketInterface
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
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
		logger:   logger,
		exchange: ex,
	}, nil
}

// Raw 返回底层 ccxt 客户端。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// FetchCandles 获取指定交易对与周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
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

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchTickers 获取全市场行情摘要。
func (c *Client) FetchTickers(ctx context.Context) ([]Ticker, error) {
	var raw ccxt.Tickers

	err := c.callWithRetry(ctx, "fetch_tickers", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchTickers()
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	tickers := make([]Ticker, 0, len(raw.Tickers))
	for _, item := range raw.Tickers {
		symbol := derefString(item.Symbol)
		if symbol == "" {
			continue
		}
		tickers = append(tickers, Ticker{
			Symbol:      symbol,
			Last:        derefFloat(item.Last),
			QuoteVolume: derefFloat(item.QuoteVolume),
		})
	}

	return tickers, nil
}

// FetchLastPrice 获取单一交易对最新成交价。
func (c *Client) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		ticker, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		price = derefFloat(ticker.Last)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("exchange: %s 最新价无效", symbol)
	}

	return price, nil
}

// FetchAccountState 获取账户权益与可用保证金。
func (c *Client) FetchAccountState(ctx context.Context, quote string) (AccountState, error) {
	var balances ccxt.Balances

	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return AccountState{}, err
	}

	state := AccountState{Timestamp: time.Now().UTC()}
	if balances.Total != nil {
		if total, ok := balances.Total[quote]; ok && total != nil {
			state.Equity = *total
		}
	}
	if balances.Free != nil {
		if free, ok := balances.Free[quote]; ok && free != nil {
			state.AvailableMargin = *free
		}
	}

	return state, nil
}

// FetchPositions 获取全部非零持仓。
func (c *Client) FetchPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position

	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, item := range raw {
		contracts := derefFloat(item.Contracts)
		if contracts == 0 {
			continue
		}
		side := strings.ToUpper(strings.TrimSpace(derefString(item.Side)))
		if side == "" {
			side = "LONG"
		}
		positions = append(positions, Position{
			Symbol:     derefString(item.Symbol),
			Side:       side,
			Contracts:  math.Abs(contracts),
			EntryPrice: derefFloat(item.EntryPrice),
			MarkPrice:  derefFloat(item.MarkPrice),
			Notional:   math.Abs(derefFloat(item.Notional)),
			Leverage:   derefFloat(item.Leverage),
			Unrealized: derefFloat(item.UnrealizedPnl),
		})
	}

	return positions, nil
}

// MarketLimits 返回交易对的下单约束。
func (c *Client) MarketLimits(ctx context.Context, symbol string) (MarketLimits, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return MarketLimits{}, err
	}

	c.marketsMu.Lock()
	market, ok := c.markets[symbol]
	c.marketsMu.Unlock()
	if !ok {
		return MarketLimits{}, fmt.Errorf("exchange: %w: %s", ErrUnsupportedSymbol, symbol)
	}

	limits := MarketLimits{ContractSize: 1, MaxLeverage: 1}
	if market.ContractSize != nil && *market.ContractSize > 0 {
		limits.ContractSize = *market.ContractSize
	}
	if market.Limits != nil {
		if market.Limits.Cost != nil && market.Limits.Cost.Min != nil {
			limits.MinNotional = *market.Limits.Cost.Min
		}
		if market.Limits.Amount != nil && market.Limits.Amount.Min != nil {
			limits.MinAmount = *market.Limits.Amount.Min
		}
		if market.Limits.Leverage != nil && market.Limits.Leverage.Max != nil {
			limits.MaxLeverage = *market.Limits.Leverage.Max
		}
	}
	if market.Precision != nil {
		if market.Precision.Amount != nil {
			limits.AmountStep = stepFromPrecision(*market.Precision.Amount)
		}
		if market.Precision.Price != nil {
			limits.PriceStep = stepFromPrecision(*market.Precision.Price)
		}
	}
	if limits.MinNotional <= 0 {
		limits.MinNotional = 5.0
	}
	if limits.MaxLeverage < 1 {
		limits.MaxLeverage = 1
	}

	return limits, nil
}

// SetLeverage 设置交易对杠杆。失败不视为致命错误，由调用方决定是否继续。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}

	_, err := c.exchange.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(symbol))
	if err != nil {
		normalized, _ := c.classifyError(err)
		return normalized
	}
	return nil
}

// CreateMarketOrder 提交市价单。只尝试一次，错误分类交由上层。
func (c *Client) CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, reduceOnly bool) (OrderFill, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return OrderFill{}, ctxErr
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return OrderFill{}, err
	}

	var opts []ccxt.CreateMarketOrderOptions
	if reduceOnly {
		opts = append(opts, ccxt.WithCreateMarketOrderParams(map[string]interface{}{
			"reduceOnly": true,
		}))
	}

	order, err := c.exchange.CreateMarketOrder(symbol, side, amount, opts...)
	if err != nil {
		normalized, _ := c.classifyError(err)
		return OrderFill{}, normalized
	}

	fill := OrderFill{
		ID:     derefString(order.Id),
		Symbol: symbol,
		Side:   side,
		Amount: derefFloat(order.Filled),
		Status: derefString(order.Status),
	}
	if fill.Amount == 0 {
		fill.Amount = amount
	}
	fill.AvgPrice = derefFloat(order.Average)
	if fill.AvgPrice == 0 {
		fill.AvgPrice = derefFloat(order.Price)
	}

	c.logger.Info("市价单已提交",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("amount", amount),
		zap.Bool("reduce_only", reduceOnly),
		zap.String("order_id", fill.ID),
	)

	return fill, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	var markets map[string]ccxt.MarketInterface
	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		result, err := c.exchange.LoadMarkets()
		if err != nil {
			return err
		}
		markets = result
		return nil
	})
	if loadErr != nil {
		return loadErr
	}

	c.markets = markets
	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.Int("markets", len(markets)))
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
			if IsUnsupportedSymbol(err) {
				return fmt.Errorf("%w: %s", ErrUnsupportedSymbol, ccxtErr.Message), false
			}
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

// stepFromPrecision 将 ccxt 的精度表示统一为步长。
// Binance 使用小数位数表示精度，部分交易所直接给出步长。
func stepFromPrecision(precision float64) float64 {
	if precision <= 0 {
		return 0
	}
	if precision < 1 {
		return precision
	}
	return math.Pow(10, -math.Trunc(precision))
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
