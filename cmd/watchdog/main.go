package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/heartbeat"
	"confluence-trader/internal/log"
	"confluence-trader/internal/state"
)

const (
	runtimeVersion = 1

	pollInterval     = 5 * time.Second
	crashResetWindow = 5 * time.Minute
	crashLockLimit   = 5
	crashLockPause   = 60 * time.Second
	stderrTailLines  = 200
)

// runtimeState 为看门狗的持久化计数器。
type runtimeState struct {
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	LastCrashAt        time.Time `json:"last_crash_at"`
	TotalRestarts      int       `json:"total_restarts"`
	HangsDetected      int       `json:"hangs_detected"`
	LastRestartReason  string    `json:"last_restart_reason"`
}

type watchdog struct {
	cfg        *config.Config
	logger     *zap.Logger
	runtime    *state.Store[runtimeState]
	command    string
	args       []string
	stderrPath string

	child     *exec.Cmd
	childDone chan struct{}
	exitErr   error
	lastStep  string
	lastCycle uint64
	stepSince time.Time
}

func main() {
	var (
		configPath string
		command    string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&command, "cmd", "./trader", "受监护的交易进程命令")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	runtime, err := state.NewStore[runtimeState](cfg.Watchdog.StatePath, runtimeVersion, runtimeState{})
	if err != nil {
		logger.Error("初始化看门狗状态失败", zap.Error(err))
		os.Exit(1)
	}
	defer runtime.Close()

	args := flag.Args()
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	w := &watchdog{
		cfg:        cfg,
		logger:     logger,
		runtime:    runtime,
		command:    command,
		args:       args,
		stderrPath: filepath.Join(cfg.App.StateDir, "trader_stderr.log"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("看门狗已启动",
		zap.String("cmd", command),
		zap.Duration("max_silence", cfg.Watchdog.MaxSilence),
		zap.Duration("max_stall", cfg.Watchdog.MaxStall),
	)

	w.run(ctx)
	w.kill()
	logger.Info("看门狗已退出")
}

func (w *watchdog) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if w.child == nil || w.exited() {
			if w.child != nil {
				w.reportCrash()
			}
			if !w.startChild(ctx) {
				return
			}
		} else {
			reason, restart := w.checkHealth(ctx)
			if restart {
				w.logger.Warn("心跳异常，重启交易进程", zap.String("reason", reason))
				w.kill()
				_ = w.runtime.Update(ctx, func(rt *runtimeState) {
					rt.LastRestartReason = reason
				})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// startChild 按连续崩溃次数做递增暂停后拉起子进程。返回 false 表示上下文已取消。
func (w *watchdog) startChild(ctx context.Context) bool {
	now := time.Now()

	var crashes int
	_ = w.runtime.Update(ctx, func(rt *runtimeState) {
		if !rt.LastCrashAt.IsZero() && now.Sub(rt.LastCrashAt) > crashResetWindow {
			rt.ConsecutiveCrashes = 0
		}
		rt.ConsecutiveCrashes++
		rt.LastCrashAt = now
		rt.TotalRestarts++
		crashes = rt.ConsecutiveCrashes
	})

	pause := w.cfg.Watchdog.RestartPause * time.Duration(crashes-1)
	if crashes >= crashLockLimit {
		w.logger.Error("连续崩溃达到上限，进入安全等待",
			zap.Int("crashes", crashes),
			zap.Duration("pause", crashLockPause),
		)
		pause = crashLockPause
	}
	if pause > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pause):
		}
	}

	stderrFile, err := os.Create(w.stderrPath)
	if err != nil {
		w.logger.Error("创建子进程错误输出文件失败", zap.Error(err))
		stderrFile = nil
	}

	cmd := exec.Command(w.command, w.args...)
	cmd.Stdout = os.Stdout
	if stderrFile != nil {
		cmd.Stderr = stderrFile
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		w.logger.Error("启动交易进程失败", zap.Error(err))
		w.child = nil
		return true
	}

	w.child = cmd
	w.childDone = make(chan struct{})
	done := w.childDone
	go func() {
		w.exitErr = cmd.Wait()
		close(done)
	}()

	w.lastStep = ""
	w.lastCycle = 0
	w.stepSince = time.Now()
	w.logger.Info("交易进程已拉起",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("attempt", crashes),
	)
	return true
}

// checkHealth 读取心跳文件，判断沉默与卡死。
func (w *watchdog) checkHealth(ctx context.Context) (string, bool) {
	snap, err := heartbeat.Read(w.cfg.Heartbeat.Path)
	if err != nil {
		// 心跳文件缺失按沉默处理：从进程拉起时刻开始计时。
		if time.Since(w.stepSince) > w.cfg.Watchdog.MaxSilence {
			return "心跳文件不可读", true
		}
		return "", false
	}

	if time.Since(snap.UpdatedAt) > w.cfg.Watchdog.MaxSilence {
		return fmt.Sprintf("心跳停止 %.0fs", time.Since(snap.UpdatedAt).Seconds()), true
	}

	if snap.Step != w.lastStep || snap.Cycle != w.lastCycle {
		w.lastStep = snap.Step
		w.lastCycle = snap.Cycle
		w.stepSince = time.Now()
		return "", false
	}

	if time.Since(w.stepSince) > w.cfg.Watchdog.MaxStall {
		_ = w.runtime.Update(ctx, func(rt *runtimeState) {
			rt.HangsDetected++
		})
		return fmt.Sprintf("卡死在步骤 %q", snap.Step), true
	}

	return "", false
}

func (w *watchdog) exited() bool {
	if w.child == nil || w.childDone == nil {
		return false
	}
	select {
	case <-w.childDone:
		return true
	default:
		return false
	}
}

// reportCrash 在子进程退出后记录退出码与错误输出尾部。
func (w *watchdog) reportCrash() {
	if w.child == nil {
		return
	}

	exitCode := -1
	if w.child.ProcessState != nil {
		exitCode = w.child.ProcessState.ExitCode()
	}

	w.logger.Error("交易进程异常退出",
		zap.Int("exit_code", exitCode),
		zap.NamedError("exit_error", w.exitErr),
		zap.String("stderr_tail", readTail(w.stderrPath, stderrTailLines)),
	)
	w.child = nil
	w.childDone = nil
}

func (w *watchdog) kill() {
	if w.child == nil || w.child.Process == nil {
		return
	}
	_ = w.child.Process.Kill()
	if w.childDone != nil {
		<-w.childDone
	}
	w.child = nil
	w.childDone = nil
}

func readTail(path string, lines int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	all := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n")
}
