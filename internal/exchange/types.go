package exchange

import "time"

// Candle 代表单根K线，按时间升序排列，末根可能尚未收盘。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker 为行情摘要，用于候选标的排序。
type Ticker struct {
	Symbol      string
	Last        float64
	QuoteVolume float64
}

// MarketLimits 描述合约的交易约束。
type MarketLimits struct {
	MinNotional  float64
	MinAmount    float64
	AmountStep   float64
	PriceStep    float64
	ContractSize float64
	MaxLeverage  float64
}

// Position 表示一个持仓方向。
type Position struct {
	Symbol     string
	Side       string
	Contracts  float64
	EntryPrice float64
	MarkPrice  float64
	Notional   float64
	Leverage   float64
	Unrealized float64
}

// AccountState 聚合账户权益与可用保证金。
type AccountState struct {
	Equity          float64
	AvailableMargin float64
	Timestamp       time.Time
}

// OrderFill 为下单回执。
type OrderFill struct {
	ID       string
	Symbol   string
	Side     string
	Amount   float64
	AvgPrice float64
	Status   string
}
