package exchange

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"confluence-trader/internal/config"
)

// Candidate 表示一个通过初筛的候选交易对。
type Candidate struct {
	Symbol      string
	Last        float64
	QuoteVolume float64
	Limits      MarketLimits
}

// Scanner 按成交额对市场排序并过滤不可行标的。
type Scanner struct {
	client *Client
	cfg    config.ScanConfig
	logger *zap.Logger
}

// NewScanner 创建候选标的扫描器。
func NewScanner(client *Client, cfg config.ScanConfig, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// TopCandidates 返回按计价货币成交额排序的前 N 个候选标的。
// equity 用于剔除最小名义价值超出账户承受能力的合约。
func (s *Scanner) TopCandidates(ctx context.Context, equity float64) ([]Candidate, error) {
	tickers, err := s.client.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}

	quoteSuffix := "/" + strings.ToUpper(s.cfg.QuoteCurrency)
	excluded := make(map[string]struct{}, len(s.cfg.Exclude))
	for _, sym := range s.cfg.Exclude {
		excluded[strings.ToUpper(sym)] = struct{}{}
	}

	filtered := make([]Ticker, 0, len(tickers))
	for _, t := range tickers {
		if !strings.Contains(strings.ToUpper(t.Symbol), quoteSuffix) {
			continue
		}
		if _, skip := excluded[strings.ToUpper(t.Symbol)]; skip {
			continue
		}
		if t.Last <= 0 || t.QuoteVolume <= 0 {
			continue
		}
		filtered = append(filtered, t)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].QuoteVolume > filtered[j].QuoteVolume
	})

	limit := s.cfg.TopSymbols
	if limit > len(filtered) {
		limit = len(filtered)
	}
	filtered = filtered[:limit]

	var mu sync.Mutex
	candidates := make([]Candidate, 0, len(filtered))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, t := range filtered {
		ticker := t
		group.Go(func() error {
			limits, err := s.client.MarketLimits(groupCtx, ticker.Symbol)
			if err != nil {
				s.logger.Warn("获取交易约束失败，跳过候选",
					zap.String("symbol", ticker.Symbol),
					zap.Error(err),
				)
				return nil
			}
			if equity > 0 && limits.MinNotional > equity {
				s.logger.Debug("最小名义价值超出账户能力，剔除",
					zap.String("symbol", ticker.Symbol),
					zap.Float64("min_notional", limits.MinNotional),
					zap.Float64("equity", equity),
				)
				return nil
			}
			mu.Lock()
			candidates = append(candidates, Candidate{
				Symbol:      ticker.Symbol,
				Last:        ticker.Last,
				QuoteVolume: ticker.QuoteVolume,
				Limits:      limits,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].QuoteVolume > candidates[j].QuoteVolume
	})

	s.logger.Debug("候选标的扫描完成",
		zap.Int("tickers", len(tickers)),
		zap.Int("candidates", len(candidates)),
	)

	return candidates, nil
}
