package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// membershipReconciler 可执行成员对账的用例
type membershipReconciler interface {
	ReconcileAgainstLiveMembership(ctx context.Context) ([]string, error)
}

// ReconcilerConfig 对账调度配置
type ReconcilerConfig struct {
	InitialDelay time.Duration // 启动后等待集群成员信息稳定的时间
	Schedule     string        // cron 表达式，空表示只在启动时执行一次
	RunTimeout   time.Duration // 单次对账的超时时间
}

// Reconciler 启动延迟对账 + 周期对账
type Reconciler struct {
	target  membershipReconciler
	cfg     ReconcilerConfig
	cron    *cron.Cron
	timer   *time.Timer
	running sync.Mutex
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewReconciler 创建对账调度器
func NewReconciler(target membershipReconciler, cfg ReconcilerConfig) *Reconciler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	return &Reconciler{
		target: target,
		cfg:    cfg,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
	}
}

// Start 启动调度
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return fmt.Errorf("reconciler already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if r.cfg.Schedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.RunOnce(r.ctx) }); err != nil {
			r.cancel()
			r.ctx = nil
			return fmt.Errorf("invalid reconcile schedule %q: %w", r.cfg.Schedule, err)
		}
		r.cron.Start()
	}

	r.timer = time.AfterFunc(r.cfg.InitialDelay, func() { r.RunOnce(r.ctx) })

	zap.L().Info("reconciler started",
		zap.Duration("initialDelay", r.cfg.InitialDelay),
		zap.String("schedule", r.cfg.Schedule))
	return nil
}

// Stop 停止调度并等待正在执行的任务
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	<-r.cron.Stop().Done()
	r.cancel()

	// 等待启动时触发的那一次
	r.running.Lock()
	r.running.Unlock()
	zap.L().Info("reconciler stopped")
}

// RunOnce 执行一次对账，已有对账在执行时直接跳过
func (r *Reconciler) RunOnce(ctx context.Context) bool {
	if !r.running.TryLock() {
		zap.L().Debug("reconcile already running, skip")
		return false
	}
	defer r.running.Unlock()

	if ctx.Err() != nil {
		return false
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	affected, err := r.target.ReconcileAgainstLiveMembership(runCtx)
	if err != nil {
		zap.L().Warn("reconcile failed", zap.Error(err), zap.Duration("cost", time.Since(start)))
		return true
	}
	if len(affected) > 0 {
		zap.L().Info("reconcile finished",
			zap.Int("affectedUsers", len(affected)),
			zap.Duration("cost", time.Since(start)))
	}
	return true
}
