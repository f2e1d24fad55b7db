package state

import (
	"context"
	"path/filepath"
	"time"

	"confluence-trader/internal/trade"
)

const ledgerVersion = 1

// LedgerEntry 记录一笔已受保护的进场，作为防重复下单的依据。
type LedgerEntry struct {
	Symbol    string          `json:"symbol"`
	Direction trade.Direction `json:"direction"`
	EntryID   string          `json:"entry_id"`
	Quantity  float64         `json:"quantity"`
	Entry     float64         `json:"entry"`
	Stop      float64         `json:"stop"`
	Target    float64         `json:"target"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// LedgerStatusActive 表示该笔进场仍有效。
const LedgerStatusActive = "ACTIVE"

// Ledger 为进场台账的单一owner存储。
type Ledger struct {
	store *Store[map[string]LedgerEntry]
}

// NewLedger 打开进场台账。
func NewLedger(stateDir string) (*Ledger, error) {
	store, err := NewStore(filepath.Join(stateDir, "ledger.json"), ledgerVersion, map[string]LedgerEntry{})
	if err != nil {
		return nil, err
	}
	return &Ledger{store: store}, nil
}

// Active 返回指定标的当前有效的台账记录。
func (l *Ledger) Active(ctx context.Context, symbol string) (LedgerEntry, bool, error) {
	var entry LedgerEntry
	var ok bool
	err := l.store.View(ctx, func(data map[string]LedgerEntry) {
		e, exists := data[symbol]
		if exists && e.Status == LedgerStatusActive {
			entry = e
			ok = true
		}
	})
	return entry, ok, err
}

// Register 登记一笔受保护的进场。
func (l *Ledger) Register(ctx context.Context, entry LedgerEntry) error {
	if entry.Status == "" {
		entry.Status = LedgerStatusActive
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return l.store.Update(ctx, func(data *map[string]LedgerEntry) {
		(*data)[entry.Symbol] = entry
	})
}

// Remove 清除指定标的的台账记录。
func (l *Ledger) Remove(ctx context.Context, symbol string) error {
	return l.store.Update(ctx, func(data *map[string]LedgerEntry) {
		delete(*data, symbol)
	})
}

// Symbols 返回当前有效台账覆盖的全部标的。
func (l *Ledger) Symbols(ctx context.Context) ([]string, error) {
	var out []string
	err := l.store.View(ctx, func(data map[string]LedgerEntry) {
		for symbol, entry := range data {
			if entry.Status == LedgerStatusActive {
				out = append(out, symbol)
			}
		}
	})
	return out, err
}

// Close 关闭台账。
func (l *Ledger) Close() {
	l.store.Close()
}
