package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
)

const dayStateSchemaVersion = 1

// dayRow 为 risk_day_state 表的一行，按本地交易日主键存储。
type dayRow struct {
	TradingDate  string
	Baseline     float64
	Peak         float64
	Current      float64
	PauseUntil   string
	HardPaused   bool
	PauseReason  string
	LossStreak   int
	ManualLock   string
	Recalibrated bool
}

// Breaker 维护日内风险熔断状态机。
//
// 基线与高水位按本地日历日持久化到 sqlite，进程重启后同一天状态不变；
// EMERGENCY 由订单生命周期管理器在持仓不可管理时外部置位，优先级最高。
type Breaker struct {
	db     *sql.DB
	cfg    config.BreakerConfig
	loc    *time.Location
	logger *zap.Logger

	mu              sync.Mutex
	emergency       bool
	emergencyReason string
}

// NewBreaker 创建熔断器并初始化表结构。
func NewBreaker(db *sql.DB, cfg config.BreakerConfig, logger *zap.Logger) (*Breaker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		db:     db,
		cfg:    cfg,
		loc:    time.Local,
		logger: logger,
	}

	if err := b.initSchema(); err != nil {
		return nil, err
	}
	if err := b.loadEmergency(context.Background()); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Breaker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_day_state (
			trading_date TEXT PRIMARY KEY,
			baseline_equity REAL NOT NULL,
			peak_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			pause_until TEXT NOT NULL DEFAULT '',
			hard_paused INTEGER NOT NULL DEFAULT 0,
			pause_reason TEXT NOT NULL DEFAULT '',
			loss_streak INTEGER NOT NULL DEFAULT 0,
			manual_lock TEXT NOT NULL DEFAULT '',
			recalibrated INTEGER NOT NULL DEFAULT 0,
			schema_version INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_flags (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Evaluate 按当前净值评估熔断状态。同一天首次调用写入基线，不触发任何阈值。
func (b *Breaker) Evaluate(ctx context.Context, now time.Time, equity float64) (Verdict, error) {
	if b.emergencyActive() {
		return Verdict{
			State:          StateEmergency,
			EntriesAllowed: false,
			Reason:         b.emergencyText(),
			TradingDate:    b.tradingDay(now),
		}, nil
	}

	if equity <= 0 || math.IsNaN(equity) || math.IsInf(equity, 0) {
		return Verdict{
			State:          StateLocked,
			EntriesAllowed: false,
			Reason:         "无法获得有效净值",
			TradingDate:    b.tradingDay(now),
		}, nil
	}

	tradingDate := b.tradingDay(now)
	nowText := now.UTC().Format(time.RFC3339)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row, found, loadErr := loadDayRow(ctx, tx, tradingDate)
	if loadErr != nil {
		err = loadErr
		return Verdict{}, err
	}

	if !found {
		// 新交易日：基线与高水位取当前净值，不触发任何阈值。
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_day_state
			 (trading_date, baseline_equity, peak_equity, current_equity, schema_version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			tradingDate, equity, equity, equity, dayStateSchemaVersion, nowText,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化交易日基线失败: %w", execErr)
			return Verdict{}, err
		}
		if err = b.logEventTx(ctx, tx, tradingDate, "day_open",
			fmt.Sprintf("新交易日基线 %.2f", equity), ""); err != nil {
			return Verdict{}, err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return Verdict{}, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
		}
		return Verdict{
			State:          StateActive,
			EntriesAllowed: true,
			Reason:         "新交易日，基线已建立",
			TradingDate:    tradingDate,
			Baseline:       equity,
			Peak:           equity,
		}, nil
	}

	// 基线远高于当前净值（外部划转等），当日仅允许重校准一次。
	if row.Baseline > equity*1.5 && !row.Recalibrated {
		reason := fmt.Sprintf("基线 %.2f 远高于当前净值 %.2f，重校准", row.Baseline, equity)
		row.Baseline = equity
		row.Peak = equity
		row.Recalibrated = true
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_day_state SET baseline_equity = ?, peak_equity = ?, recalibrated = 1, updated_at = ?
			 WHERE trading_date = ?`,
			equity, equity, nowText, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 重校准基线失败: %w", execErr)
			return Verdict{}, err
		}
		if err = b.logEventTx(ctx, tx, tradingDate, "baseline_recalibrated", reason, ""); err != nil {
			return Verdict{}, err
		}
		b.logger.Warn("重校准当日基线",
			zap.String("trading_date", tradingDate),
			zap.Float64("equity", equity),
		)
	}

	if equity > row.Peak {
		row.Peak = equity
	}
	row.Current = equity

	pnlPct := 0.0
	if row.Baseline > 0 {
		pnlPct = (equity - row.Baseline) / row.Baseline * 100
	}
	ddPct := 0.0
	if row.Peak > 0 {
		ddPct = (equity - row.Peak) / row.Peak * 100
	}

	verdict := Verdict{
		State:          StateActive,
		EntriesAllowed: true,
		TradingDate:    tradingDate,
		Baseline:       row.Baseline,
		Peak:           row.Peak,
		PnLPct:         pnlPct,
		DrawdownPct:    ddPct,
	}

	switch {
	case row.ManualLock != "":
		verdict.State = StateLocked
		verdict.EntriesAllowed = false
		verdict.Reason = row.ManualLock

	case row.HardPaused:
		verdict.State = StateLocked
		verdict.EntriesAllowed = false
		verdict.Reason = row.PauseReason

	case b.cfg.HardLossPct > 0 && pnlPct <= -b.cfg.HardLossPct,
		b.cfg.HardDrawdownPct > 0 && ddPct <= -b.cfg.HardDrawdownPct:
		reason := fmt.Sprintf("硬阈值触发: 当日盈亏 %.2f%%, 峰值回撤 %.2f%%", pnlPct, ddPct)
		row.HardPaused = true
		row.PauseReason = reason
		verdict.State = StateLocked
		verdict.EntriesAllowed = false
		verdict.Reason = reason
		if err = b.logEventTx(ctx, tx, tradingDate, "hard_pause", reason, ""); err != nil {
			return Verdict{}, err
		}
		b.logger.Warn("触发日内硬性熔断",
			zap.String("trading_date", tradingDate),
			zap.Float64("pnl_pct", pnlPct),
			zap.Float64("drawdown_pct", ddPct),
		)

	case b.cfg.SoftLossPct > 0 && pnlPct <= -b.cfg.SoftLossPct,
		b.cfg.SoftDrawdownPct > 0 && ddPct <= -b.cfg.SoftDrawdownPct:
		until := parseTimeText(row.PauseUntil)
		if until.Before(now) {
			reason := fmt.Sprintf("软阈值触发: 当日盈亏 %.2f%%, 峰值回撤 %.2f%%", pnlPct, ddPct)
			row.PauseUntil = now.Add(b.cfg.PauseCooldown).UTC().Format(time.RFC3339)
			row.PauseReason = reason
			if err = b.logEventTx(ctx, tx, tradingDate, "soft_pause", reason, ""); err != nil {
				return Verdict{}, err
			}
			b.logger.Warn("触发日内软性暂停",
				zap.String("trading_date", tradingDate),
				zap.Float64("pnl_pct", pnlPct),
				zap.Duration("cooldown", b.cfg.PauseCooldown),
			)
		}
		verdict.State = StateRiskPause
		verdict.EntriesAllowed = false
		verdict.Reason = row.PauseReason

	case parseTimeText(row.PauseUntil).After(now):
		verdict.State = StateRiskPause
		verdict.EntriesAllowed = false
		verdict.Reason = row.PauseReason

	case b.cfg.LossStreakLimit > 0 && row.LossStreak >= b.cfg.LossStreakLimit:
		reason := fmt.Sprintf("连续亏损 %d 笔，临时暂停", row.LossStreak)
		row.PauseUntil = now.Add(b.cfg.StreakPause).UTC().Format(time.RFC3339)
		row.PauseReason = reason
		row.LossStreak = 0
		verdict.State = StateRiskPause
		verdict.EntriesAllowed = false
		verdict.Reason = reason
		if err = b.logEventTx(ctx, tx, tradingDate, "streak_pause", reason, ""); err != nil {
			return Verdict{}, err
		}

	default:
		row.PauseUntil = ""
		row.PauseReason = ""
		verdict.Reason = fmt.Sprintf("当日盈亏 %.2f%%, 峰值回撤 %.2f%%", pnlPct, ddPct)
	}

	if _, execErr := tx.ExecContext(ctx,
		`UPDATE risk_day_state SET
			baseline_equity = ?, peak_equity = ?, current_equity = ?,
			pause_until = ?, hard_paused = ?, pause_reason = ?, loss_streak = ?, updated_at = ?
		 WHERE trading_date = ?`,
		row.Baseline, row.Peak, row.Current,
		row.PauseUntil, boolToInt(row.HardPaused), row.PauseReason, row.LossStreak, nowText,
		tradingDate,
	); execErr != nil {
		err = fmt.Errorf("risk: 更新交易日状态失败: %w", execErr)
		return Verdict{}, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return Verdict{}, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return verdict, nil
}

// RecordTradeOutcome 记录一笔已平仓交易的盈亏，维护连续亏损计数。
func (b *Breaker) RecordTradeOutcome(ctx context.Context, now time.Time, symbol string, pnl float64) error {
	tradingDate := b.tradingDay(now)
	nowText := now.UTC().Format(time.RFC3339)

	var stmt string
	if pnl < 0 {
		stmt = `UPDATE risk_day_state SET loss_streak = loss_streak + 1, updated_at = ? WHERE trading_date = ?`
	} else {
		stmt = `UPDATE risk_day_state SET loss_streak = 0, updated_at = ? WHERE trading_date = ?`
	}
	if _, err := b.db.ExecContext(ctx, stmt, nowText, tradingDate); err != nil {
		return fmt.Errorf("risk: 更新连续亏损计数失败: %w", err)
	}

	return b.LogEvent(ctx, "trade_outcome",
		fmt.Sprintf("%s 平仓盈亏 %.4f", symbol, pnl), "", tradingDate)
}

// ForceLock 手动锁定，当日剩余时间禁止开仓。
func (b *Breaker) ForceLock(ctx context.Context, now time.Time, reason string) error {
	tradingDate := b.tradingDay(now)
	if _, err := b.db.ExecContext(ctx,
		`UPDATE risk_day_state SET manual_lock = ?, updated_at = ? WHERE trading_date = ?`,
		reason, now.UTC().Format(time.RFC3339), tradingDate,
	); err != nil {
		return fmt.Errorf("risk: 手动锁定失败: %w", err)
	}
	return b.LogEvent(ctx, "manual_lock", reason, "", tradingDate)
}

// Resume 手动解除锁定与暂停（不清除 EMERGENCY）。
func (b *Breaker) Resume(ctx context.Context, now time.Time) error {
	tradingDate := b.tradingDay(now)
	if _, err := b.db.ExecContext(ctx,
		`UPDATE risk_day_state SET manual_lock = '', hard_paused = 0, pause_until = '', pause_reason = '', updated_at = ?
		 WHERE trading_date = ?`,
		now.UTC().Format(time.RFC3339), tradingDate,
	); err != nil {
		return fmt.Errorf("risk: 解除锁定失败: %w", err)
	}
	return b.LogEvent(ctx, "manual_resume", "手动恢复开仓", "", tradingDate)
}

// ForceDayReset 丢弃当日状态并以当前净值重建基线，由操作员标志触发。
func (b *Breaker) ForceDayReset(ctx context.Context, now time.Time, equity float64) error {
	tradingDate := b.tradingDay(now)
	nowText := now.UTC().Format(time.RFC3339)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM risk_day_state WHERE trading_date = ?`, tradingDate); err != nil {
		err = fmt.Errorf("risk: 清除当日状态失败: %w", err)
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO risk_day_state
		 (trading_date, baseline_equity, peak_equity, current_equity, schema_version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tradingDate, equity, equity, equity, dayStateSchemaVersion, nowText,
	); err != nil {
		err = fmt.Errorf("risk: 重建当日基线失败: %w", err)
		return err
	}
	if err = b.logEventTx(ctx, tx, tradingDate, "day_reset",
		fmt.Sprintf("手动重置当日基线为 %.2f", equity), ""); err != nil {
		return err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}
	return nil
}

// SetEmergency 置位 EMERGENCY，由订单生命周期管理器在持仓不可管理时调用。
func (b *Breaker) SetEmergency(ctx context.Context, reason string) error {
	b.mu.Lock()
	b.emergency = true
	b.emergencyReason = reason
	b.mu.Unlock()

	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO risk_flags (name, value, updated_at) VALUES ('emergency', ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		reason, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("risk: 置位紧急状态失败: %w", err)
	}
	b.logger.Error("进入紧急状态，禁止一切新开仓", zap.String("reason", reason))
	return b.LogEvent(ctx, "emergency_set", reason, "", b.tradingDay(time.Now()))
}

// ClearEmergency 清除 EMERGENCY，仅在不可管理持仓问题消除后调用。
func (b *Breaker) ClearEmergency(ctx context.Context) error {
	b.mu.Lock()
	b.emergency = false
	b.emergencyReason = ""
	b.mu.Unlock()

	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM risk_flags WHERE name = 'emergency'`,
	); err != nil {
		return fmt.Errorf("risk: 清除紧急状态失败: %w", err)
	}
	return b.LogEvent(ctx, "emergency_cleared", "紧急状态解除", "", b.tradingDay(time.Now()))
}

// LogEvent 记录风控事件。
func (b *Breaker) LogEvent(ctx context.Context, eventType, message, details, tradingDate string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if tradingDate == "" {
		tradingDate = b.tradingDay(time.Now())
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func (b *Breaker) logEventTx(ctx context.Context, tx *sql.Tx, tradingDate, eventType, message, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}

func (b *Breaker) loadEmergency(ctx context.Context) error {
	var reason string
	row := b.db.QueryRowContext(ctx, `SELECT value FROM risk_flags WHERE name = 'emergency'`)
	switch err := row.Scan(&reason); {
	case err == nil:
		b.mu.Lock()
		b.emergency = true
		b.emergencyReason = reason
		b.mu.Unlock()
		b.logger.Warn("重启后仍处于紧急状态", zap.String("reason", reason))
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("risk: 读取紧急状态失败: %w", err)
	}
	return nil
}

func (b *Breaker) emergencyActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emergency
}

func (b *Breaker) emergencyText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.emergencyReason == "" {
		return "存在不可管理持仓，需人工介入"
	}
	return b.emergencyReason
}

func (b *Breaker) tradingDay(ts time.Time) string {
	return ts.In(b.loc).Format("2006-01-02")
}

func loadDayRow(ctx context.Context, tx *sql.Tx, tradingDate string) (dayRow, bool, error) {
	var (
		row       dayRow
		hardInt   int
		recalInt  int
		schemaVer int
	)
	row.TradingDate = tradingDate

	err := tx.QueryRowContext(ctx,
		`SELECT baseline_equity, peak_equity, current_equity, pause_until, hard_paused,
			pause_reason, loss_streak, manual_lock, recalibrated, schema_version
		 FROM risk_day_state WHERE trading_date = ?`, tradingDate,
	).Scan(&row.Baseline, &row.Peak, &row.Current, &row.PauseUntil, &hardInt,
		&row.PauseReason, &row.LossStreak, &row.ManualLock, &recalInt, &schemaVer)
	switch {
	case err == nil:
		row.HardPaused = hardInt == 1
		row.Recalibrated = recalInt == 1
		return row, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return row, false, nil
	default:
		return row, false, fmt.Errorf("risk: 查询交易日状态失败: %w", err)
	}
}

func parseTimeText(text string) time.Time {
	if text == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
