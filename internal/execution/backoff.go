package execution

import (
	"context"
	"math/rand"
	"path/filepath"
	"time"

	"confluence-trader/internal/config"
	"confluence-trader/internal/state"
)

const backoffVersion = 1

// backoffEntry 记录单个退避窗口。
type backoffEntry struct {
	Failures  int       `json:"failures"`
	NextTry   time.Time `json:"next_try"`
	UpdatedAt time.Time `json:"updated_at"`
}

type backoffState struct {
	Symbols map[string]backoffEntry `json:"symbols"`
	Global  backoffEntry            `json:"global"`
}

// Backoff 维护按标的与全局的指数退避窗口，跨重启持久化。
// 连续第N次失败的窗口为 min(base×2^(N-1)×jitter, cap)。
type Backoff struct {
	store    *state.Store[backoffState]
	cfg      config.ExecutionConfig
	jitterFn func() float64
}

// NewBackoff 打开退避存储。
func NewBackoff(stateDir string, cfg config.ExecutionConfig) (*Backoff, error) {
	store, err := state.NewStore(filepath.Join(stateDir, "backoff.json"), backoffVersion,
		backoffState{Symbols: map[string]backoffEntry{}})
	if err != nil {
		return nil, err
	}
	return &Backoff{
		store: store,
		cfg:   cfg,
		jitterFn: func() float64 {
			return rand.Float64()*2 - 1
		},
	}, nil
}

// Allow 判断指定标的当前是否允许尝试下单。
func (b *Backoff) Allow(ctx context.Context, symbol string, now time.Time) (bool, error) {
	allowed := true
	err := b.store.View(ctx, func(s backoffState) {
		if s.Global.NextTry.After(now) {
			allowed = false
			return
		}
		if entry, ok := s.Symbols[symbol]; ok && entry.NextTry.After(now) {
			allowed = false
		}
	})
	return allowed, err
}

// Fail 登记一次临时性失败并延长该标的的退避窗口，返回本次窗口时长。
func (b *Backoff) Fail(ctx context.Context, symbol string, now time.Time) (time.Duration, error) {
	var delay time.Duration
	err := b.store.Update(ctx, func(s *backoffState) {
		if s.Symbols == nil {
			s.Symbols = map[string]backoffEntry{}
		}
		entry := s.Symbols[symbol]
		entry.Failures++
		delay = b.delayFor(entry.Failures)
		entry.NextTry = now.Add(delay)
		entry.UpdatedAt = now
		s.Symbols[symbol] = entry
	})
	return delay, err
}

// FailGlobal 登记一次系统性失败（限频/5xx），延长全局退避窗口。
func (b *Backoff) FailGlobal(ctx context.Context, now time.Time) (time.Duration, error) {
	var delay time.Duration
	err := b.store.Update(ctx, func(s *backoffState) {
		s.Global.Failures++
		delay = b.delayFor(s.Global.Failures)
		s.Global.NextTry = now.Add(delay)
		s.Global.UpdatedAt = now
	})
	return delay, err
}

// Clear 清除指定标的的退避记录，成功进场后调用。
func (b *Backoff) Clear(ctx context.Context, symbol string) error {
	return b.store.Update(ctx, func(s *backoffState) {
		delete(s.Symbols, symbol)
		s.Global = backoffEntry{}
	})
}

// Reset 清空全部退避记录，由操作员标志触发。
func (b *Backoff) Reset(ctx context.Context) error {
	return b.store.Update(ctx, func(s *backoffState) {
		s.Symbols = map[string]backoffEntry{}
		s.Global = backoffEntry{}
	})
}

// Close 关闭底层存储。
func (b *Backoff) Close() {
	b.store.Close()
}

func (b *Backoff) delayFor(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := b.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= b.cfg.BackoffCap {
			break
		}
	}

	jittered := float64(delay) * (1 + b.jitterFn()*b.cfg.BackoffJitter)
	delay = time.Duration(jittered)
	if delay > b.cfg.BackoffCap {
		delay = b.cfg.BackoffCap
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
