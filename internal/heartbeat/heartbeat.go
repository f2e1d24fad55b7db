package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/state"
)

// SchemaVersion 为心跳文件的结构版本。
const SchemaVersion = 1

// Snapshot 为发布到心跳文件的进程活性快照。
// 看门狗据此判断进程是否静默或卡死。
type Snapshot struct {
	Version   int       `json:"version"`
	PID       int       `json:"pid"`
	Step      string    `json:"step"`
	Cycle     uint64    `json:"cycle"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher 维护一份锁保护的快照并周期性原子写入心跳文件。
type Publisher struct {
	mu     sync.Mutex
	snap   Snapshot
	path   string
	every  time.Duration
	logger *zap.Logger
}

// NewPublisher 创建心跳发布器。
func NewPublisher(cfg config.HeartbeatConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	every := cfg.Interval
	if every <= 0 {
		every = 2 * time.Second
	}
	return &Publisher{
		snap: Snapshot{
			Version: SchemaVersion,
			PID:     os.Getpid(),
			Step:    "starting",
		},
		path:   cfg.Path,
		every:  every,
		logger: logger,
	}
}

// SetStep 更新当前执行步骤。
func (p *Publisher) SetStep(step string) {
	p.mu.Lock()
	p.snap.Step = step
	p.mu.Unlock()
}

// SetCycle 更新决策循环轮次。
func (p *Publisher) SetCycle(cycle uint64) {
	p.mu.Lock()
	p.snap.Cycle = cycle
	p.mu.Unlock()
}

// SetState 更新熔断状态与原因。
func (p *Publisher) SetState(stateName, reason string) {
	p.mu.Lock()
	p.snap.State = stateName
	p.snap.Reason = reason
	p.mu.Unlock()
}

// Run 周期性发布心跳，直到 ctx 取消。退出前发布最后一次。
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()

	if err := p.Publish(); err != nil {
		p.logger.Warn("首次写入心跳失败", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			p.SetStep("stopping")
			_ = p.Publish()
			return ctx.Err()
		case <-ticker.C:
			if err := p.Publish(); err != nil {
				p.logger.Warn("写入心跳失败", zap.Error(err))
			}
		}
	}
}

// Publish 立即原子写入一次快照。
func (p *Publisher) Publish() error {
	p.mu.Lock()
	snap := p.snap
	snap.UpdatedAt = time.Now().UTC()
	p.mu.Unlock()

	return state.WriteJSON(p.path, snap)
}

// Read 读取心跳文件，供看门狗进程使用。
func Read(path string) (Snapshot, error) {
	var snap Snapshot

	raw, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("heartbeat: 读取心跳文件失败: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("heartbeat: 解析心跳文件失败: %w", err)
	}
	if snap.Version != SchemaVersion {
		return snap, fmt.Errorf("heartbeat: 心跳文件版本不匹配: %d", snap.Version)
	}
	return snap, nil
}
