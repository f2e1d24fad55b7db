package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/store"
)

// 事件类型。执行器、守卫与决策循环共用这一组常量。
const (
	EventSignal            = "signal"
	EventEntry             = "entry"
	EventEntryRejected     = "entry_rejected"
	EventEntryFailed       = "entry_failed"
	EventBlacklist         = "blacklist"
	EventProtectionFailure = "protection_failure"
	EventEmergency         = "emergency"
	EventNakedReprotected  = "naked_reprotected"
	EventProtectionPruned  = "protection_pruned"
	EventTakeProfit        = "take_profit"
	EventStopLoss          = "stop_loss"
	EventBreaker           = "breaker"
	EventAdvisory          = "advisory"
	EventError             = "error"
)

// Event 为一条持久化的运行事件。
type Event struct {
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Journal 将运行事件持久化到 sqlite，供只读监控端点检索。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewJournal 初始化事件流水，创建所需表结构。
func NewJournal(store *store.Store, logger *zap.Logger) (*Journal, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:     store.DB(),
		logger: logger,
	}

	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_symbol ON monitor_events(symbol);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Append 写入单个事件。
func (j *Journal) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, symbol, message, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.Type, event.Symbol, event.Message, string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// Record 为即发即忘写入：持久化失败只记日志，绝不影响交易流程。
func (j *Journal) Record(ctx context.Context, kind, symbol, message string, payload any) {
	if err := j.Append(ctx, Event{
		Type:      kind,
		Symbol:    symbol,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		j.logger.Warn("记录监控事件失败",
			zap.String("kind", kind),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
}

// RecordError 记录异常事件。
func (j *Journal) RecordError(ctx context.Context, msg string, err error, fields map[string]any) {
	payload := map[string]any{"error": err.Error()}
	for k, v := range fields {
		payload[k] = v
	}
	j.Record(ctx, EventError, "", msg, payload)
}

// ListEvents 按类型检索最近事件，最新在前。
func (j *Journal) ListEvents(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, symbol, message, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			symbol  string
			message string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &symbol, &message, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      typ,
			Symbol:    symbol,
			Message:   message,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 遍历事件失败: %w", err)
	}

	return events, nil
}
