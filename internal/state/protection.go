package state

import (
	"context"
	"path/filepath"
	"time"

	"confluence-trader/internal/trade"
)

const protectionVersion = 1

// Protection 为一条虚拟保护单：止盈止损由本进程盯盘触发，
// 不依赖交易所原生条件单。
type Protection struct {
	Symbol     string          `json:"symbol"`
	Direction  trade.Direction `json:"direction"`
	TakeProfit float64         `json:"take_profit"`
	StopLoss   float64         `json:"stop_loss"`
	Quantity   float64         `json:"quantity"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Protections 为虚拟保护单的单一owner存储。
// 执行器写入、持仓守卫读取并在触发后清除。
type Protections struct {
	store *Store[map[string]Protection]
}

// NewProtections 打开虚拟保护单存储。
func NewProtections(stateDir string) (*Protections, error) {
	store, err := NewStore(filepath.Join(stateDir, "protections.json"), protectionVersion, map[string]Protection{})
	if err != nil {
		return nil, err
	}
	return &Protections{store: store}, nil
}

// Upsert 写入或更新保护单。
func (p *Protections) Upsert(ctx context.Context, prot Protection) error {
	prot.UpdatedAt = time.Now().UTC()
	return p.store.Update(ctx, func(data *map[string]Protection) {
		(*data)[prot.Symbol] = prot
	})
}

// Get 返回指定标的的保护单。
func (p *Protections) Get(ctx context.Context, symbol string) (Protection, bool, error) {
	var prot Protection
	var ok bool
	err := p.store.View(ctx, func(data map[string]Protection) {
		prot, ok = data[symbol]
	})
	return prot, ok, err
}

// Remove 清除指定标的的保护单。
func (p *Protections) Remove(ctx context.Context, symbol string) error {
	return p.store.Update(ctx, func(data *map[string]Protection) {
		delete(*data, symbol)
	})
}

// Snapshot 返回全部保护单的副本，供守卫逐一巡检。
func (p *Protections) Snapshot(ctx context.Context) ([]Protection, error) {
	var out []Protection
	err := p.store.View(ctx, func(data map[string]Protection) {
		for _, prot := range data {
			out = append(out, prot)
		}
	})
	return out, err
}

// Close 关闭存储。
func (p *Protections) Close() {
	p.store.Close()
}
