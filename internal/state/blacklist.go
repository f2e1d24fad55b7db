package state

import (
	"context"
	"path/filepath"
	"time"
)

const blacklistVersion = 1

// BlacklistEntry 记录一次永久拉黑及其原因。
type BlacklistEntry struct {
	Reason  string    `json:"reason"`
	AddedAt time.Time `json:"added_at"`
}

// Blacklist 为不受支持标的的永久名单。只增不减：
// 进入名单的标的除人工清理文件外不会恢复。
type Blacklist struct {
	store *Store[map[string]BlacklistEntry]
}

// NewBlacklist 打开黑名单存储。
func NewBlacklist(stateDir string) (*Blacklist, error) {
	store, err := NewStore(filepath.Join(stateDir, "blacklist.json"), blacklistVersion, map[string]BlacklistEntry{})
	if err != nil {
		return nil, err
	}
	return &Blacklist{store: store}, nil
}

// Add 永久拉黑一个标的。
func (b *Blacklist) Add(ctx context.Context, symbol, reason string) error {
	return b.store.Update(ctx, func(data *map[string]BlacklistEntry) {
		if _, exists := (*data)[symbol]; exists {
			return
		}
		(*data)[symbol] = BlacklistEntry{
			Reason:  reason,
			AddedAt: time.Now().UTC(),
		}
	})
}

// Contains 判断标的是否在黑名单内。
func (b *Blacklist) Contains(ctx context.Context, symbol string) (bool, error) {
	var found bool
	err := b.store.View(ctx, func(data map[string]BlacklistEntry) {
		_, found = data[symbol]
	})
	return found, err
}

// Close 关闭存储。
func (b *Blacklist) Close() {
	b.store.Close()
}
