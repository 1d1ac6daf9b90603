// Package cluster turns membership registry changes into node-loss events.
package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/ports/out"
)

// NodeLostHandler 处理节点丢失
type NodeLostHandler interface {
	OnNodeLost(ctx context.Context, nodeID string) ([]string, error)
}

// NodeForgetter 丢失处理完成后从注册表中移除节点
type NodeForgetter interface {
	Forget(ctx context.Context, nodeID string) error
}

// WatcherConfig 轮询配置
type WatcherConfig struct {
	SelfID    string        // 本节点，不会对自己触发丢失
	Interval  time.Duration // 轮询间隔
	Timeout   time.Duration // 单次查询超时
	MaxMisses int           // 连续几次不可用才视为丢失
}

// NodeWatcher 周期性查询成员注册表，节点心跳失效时触发 nodeDisconnected
type NodeWatcher struct {
	membership out.MembershipProvider
	handler    NodeLostHandler
	forgetter  NodeForgetter
	cfg        WatcherConfig

	mu     sync.Mutex
	misses map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNodeWatcher(membership out.MembershipProvider, handler NodeLostHandler, forgetter NodeForgetter, cfg WatcherConfig) *NodeWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = 2
	}
	return &NodeWatcher{
		membership: membership,
		handler:    handler,
		forgetter:  forgetter,
		cfg:        cfg,
		misses:     make(map[string]int),
	}
}

// Start 在后台开始轮询
func (w *NodeWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		zap.L().Info("node watcher started", zap.Duration("interval", w.cfg.Interval))
		for {
			select {
			case <-ticker.C:
				w.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止轮询并等待正在进行的检查结束
func (w *NodeWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Check 执行一次检查，返回本次判定丢失的节点
func (w *NodeWatcher) Check(ctx context.Context) []string {
	qctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	nodes, err := w.membership.ListAvailableNodes(qctx)
	cancel()
	if err != nil {
		// 成员信息未知时不做判断
		zap.L().Warn("node watcher: membership unavailable", zap.Error(err))
		return nil
	}

	var lost []string
	w.mu.Lock()
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		seen[n.ID] = struct{}{}
		if n.Available || n.ID == w.cfg.SelfID {
			delete(w.misses, n.ID)
			continue
		}
		w.misses[n.ID]++
		if w.misses[n.ID] == w.cfg.MaxMisses {
			lost = append(lost, n.ID)
		}
	}
	for id := range w.misses {
		if _, ok := seen[id]; !ok {
			delete(w.misses, id)
		}
	}
	w.mu.Unlock()

	handled := lost[:0]
	for _, nodeID := range lost {
		if w.handleLost(ctx, nodeID) {
			handled = append(handled, nodeID)
		}
	}
	return handled
}

func (w *NodeWatcher) handleLost(ctx context.Context, nodeID string) bool {
	affected, err := w.handler.OnNodeLost(ctx, nodeID)
	if err != nil {
		zap.L().Error("node watcher: handle node lost failed", zap.String("nodeId", nodeID), zap.Error(err))
		// 下一轮重试
		w.mu.Lock()
		w.misses[nodeID] = w.cfg.MaxMisses - 1
		w.mu.Unlock()
		return false
	}

	zap.L().Info("node watcher: node lost",
		zap.String("nodeId", nodeID),
		zap.Int("users", len(affected)))

	if w.forgetter != nil {
		if err := w.forgetter.Forget(ctx, nodeID); err != nil {
			zap.L().Warn("node watcher: forget node failed", zap.String("nodeId", nodeID), zap.Error(err))
		}
	}
	w.mu.Lock()
	delete(w.misses, nodeID)
	w.mu.Unlock()
	return true
}
