package risk

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
)

// SizeRequest 描述一次仓位测算所需的全部输入。
type SizeRequest struct {
	Symbol            string
	Entry             float64
	Stop              float64
	Equity            float64
	AvailableMargin   float64
	RiskFraction      float64
	SuggestedLeverage float64
	Limits            exchange.MarketLimits
}

// SizeResult 为仓位测算的输出。Reason 非空表示拒绝，此时 Quantity 为 0。
type SizeResult struct {
	Quantity       float64
	Leverage       float64
	Notional       float64
	MarginRequired float64
	RiskAmount     float64
	Reason         ReasonCode
	Notes          []string
}

// Rejected 判断本次测算是否被拒绝。
func (r SizeResult) Rejected() bool {
	return r.Reason != ReasonNone
}

// Sizer 依据风险预算与交易所约束计算下单数量与杠杆。
type Sizer struct {
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewSizer 创建仓位测算器。
func NewSizer(cfg config.RiskConfig, logger *zap.Logger) *Sizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sizer{cfg: cfg, logger: logger}
}

// Size 按风险预算推导数量与杠杆。
//
// 步骤：先由清算安全系数与止损距离推出杠杆上限；再用 equity×riskFraction
// 得到风险预算并换算为数量；若交易所最小下单量超出预算，仅在小资金豁免
// 策略命中时放行；最后按步进向上取整并复核名义价值与保证金。
func (s *Sizer) Size(req SizeRequest) SizeResult {
	result := SizeResult{Leverage: 1}

	if req.Equity > 0 && req.Equity < s.cfg.EquityFloor {
		return s.reject(req, result, ReasonCapitalInsufficient,
			fmt.Sprintf("净值 %.2f 低于最低门槛 %.2f", req.Equity, s.cfg.EquityFloor))
	}
	if req.Entry <= 0 || req.Stop <= 0 || req.Equity <= 0 ||
		math.IsNaN(req.Entry) || math.IsNaN(req.Stop) || math.IsInf(req.Entry, 0) {
		return s.reject(req, result, ReasonInvalidInput, "入场价、止损价或净值非法")
	}

	stopDist := math.Abs(req.Entry - req.Stop)
	if stopDist <= 0 {
		return s.reject(req, result, ReasonInvalidStop, "止损距离为零")
	}

	contractSize := req.Limits.ContractSize
	if contractSize <= 0 {
		contractSize = 1
	}
	minNotional := req.Limits.MinNotional
	if minNotional <= 0 {
		minNotional = 5.0
	}

	marketMax := req.Limits.MaxLeverage
	if marketMax < 1 {
		marketMax = 1
	}
	capLev := math.Min(marketMax, s.cfg.MaxLeverage)

	// 清算价必须落在止损之外，由 liq_buffer/止损比例推导杠杆上限。
	stopFrac := stopDist / req.Entry
	liqLev := math.Max(1, math.Floor(s.cfg.LiqBuffer/stopFrac))
	upperLev := math.Max(s.cfg.MinLeverage, math.Min(capLev, liqLev))
	leverage := clampFloat(req.SuggestedLeverage, s.cfg.MinLeverage, upperLev)
	result.Leverage = leverage

	riskFrac := req.RiskFraction
	if riskFrac <= 0 {
		riskFrac = s.cfg.RiskPerTrade
	}
	riskBudget := req.Equity * riskFrac
	if riskBudget <= 0 {
		return s.reject(req, result, ReasonInvalidInput, "风险预算为零")
	}
	result.RiskAmount = riskBudget

	avail := req.AvailableMargin
	if avail <= 0 || avail > req.Equity {
		avail = req.Equity
	}
	maxMargin := avail * 0.95

	if minNotional > maxMargin*capLev*0.95 {
		return s.reject(req, result, ReasonMinNotionalUnreachable,
			fmt.Sprintf("最小名义价值 %.2f 超出满杠杆可用额度", minNotional))
	}

	requiredMin := math.Max(req.Limits.MinAmount, minNotional/(req.Entry*contractSize))
	riskQty := riskBudget / (contractSize * stopDist)

	if requiredMin > riskQty {
		impliedRisk := requiredMin * contractSize * stopDist
		impliedFrac := impliedRisk / req.Equity

		sa := s.cfg.SmallAccount
		if sa.Enabled && req.Equity >= sa.MinEquity && req.Equity < sa.MaxEquity {
			if impliedFrac >= sa.MaxRiskFrac {
				return s.reject(req, result, ReasonSuicidalRisk,
					fmt.Sprintf("最小下单量隐含风险 %.1f%% 达到净值上限", impliedFrac*100))
			}
			// 小资金豁免：接受交易所最小下单量，同时抬高预算避免后续精度复核误杀。
			riskQty = requiredMin
			riskBudget = math.Max(riskBudget, impliedRisk*1.5)
			result.RiskAmount = riskBudget
			result.Notes = append(result.Notes,
				fmt.Sprintf("小资金豁免生效: 隐含风险 %.1f%%", impliedFrac*100))
			s.logger.Warn("小资金豁免生效",
				zap.String("symbol", req.Symbol),
				zap.Float64("equity", req.Equity),
				zap.Float64("implied_risk_pct", impliedFrac*100),
			)
		} else {
			return s.reject(req, result, ReasonMinExceedsRisk,
				fmt.Sprintf("最小下单量隐含风险 %.2f 超过预算 %.2f", impliedRisk, riskBudget))
		}
	}

	quantity := math.Max(requiredMin, riskQty*s.cfg.Utilization)
	quantity = snapUp(quantity, req.Limits.AmountStep)
	if quantity < requiredMin {
		quantity = snapUp(requiredMin, req.Limits.AmountStep)
	}

	// 向上取整可能轻微超出预算，允许回退一个步进，仍不达标则拒绝。
	if est := quantity * contractSize * stopDist; est > riskBudget*1.0001 {
		if step := req.Limits.AmountStep; step > 0 && quantity-step >= requiredMin {
			quantity -= step
		}
		if est := quantity * contractSize * stopDist; est > riskBudget*1.0001 {
			return s.reject(req, result, ReasonRiskBudgetExceeded,
				fmt.Sprintf("取整后风险 %.2f 超过预算 %.2f", est, riskBudget))
		}
	}

	notional := quantity * contractSize * req.Entry

	// 名义价值确定后复核杠杆；超出上限时收缩数量而不是放大杠杆。
	levNeeded := math.Ceil(notional / (maxMargin * 0.95))
	if levNeeded > leverage {
		leverage = clampFloat(levNeeded, s.cfg.MinLeverage, upperLev)
		result.Leverage = leverage
	}
	if levNeeded > upperLev {
		fitNotional := maxMargin * upperLev * 0.95
		fitQty := snapDown(fitNotional/(contractSize*req.Entry), req.Limits.AmountStep)
		if fitQty < requiredMin {
			return s.reject(req, result, ReasonLeverageCapUnfit,
				fmt.Sprintf("清算杠杆上限 %.0f 内无法容纳最小下单量", upperLev))
		}
		if fitQty < quantity {
			s.logger.Info("按保证金与杠杆上限收缩数量",
				zap.String("symbol", req.Symbol),
				zap.Float64("from", quantity),
				zap.Float64("to", fitQty),
			)
			quantity = fitQty
			notional = quantity * contractSize * req.Entry
		}
	}

	marginReq := notional / math.Max(leverage, 1)

	if notional < minNotional {
		return s.reject(req, result, ReasonBelowMinNotional,
			fmt.Sprintf("名义价值 %.2f 低于交易所下限 %.2f", notional, minNotional))
	}
	if marginReq > maxMargin {
		return s.reject(req, result, ReasonMarginInsufficient,
			fmt.Sprintf("所需保证金 %.2f 超过可用 %.2f", marginReq, maxMargin))
	}

	result.Quantity = quantity
	result.Notional = notional
	result.MarginRequired = marginReq
	return result
}

func (s *Sizer) reject(req SizeRequest, result SizeResult, code ReasonCode, note string) SizeResult {
	result.Quantity = 0
	result.Reason = code
	result.Notes = append(result.Notes, note)
	s.logger.Info("仓位测算拒绝",
		zap.String("symbol", req.Symbol),
		zap.String("reason", string(code)),
		zap.String("detail", note),
		zap.Float64("equity", req.Equity),
		zap.Float64("entry", req.Entry),
		zap.Float64("stop", req.Stop),
	)
	return result
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func snapUp(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	steps := math.Ceil(qty/step - 1e-9)
	return steps * step
}

func snapDown(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	steps := math.Floor(qty/step + 1e-9)
	return steps * step
}
