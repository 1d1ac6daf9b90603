package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/service"
	"github.com/EthanQC/presence/internal/ports/in"
	"github.com/EthanQC/presence/internal/ports/out"
	presenceErr "github.com/EthanQC/presence/pkg/errors"
	"github.com/EthanQC/presence/pkg/zlog"
)

// Options 用例配置
type Options struct {
	MembershipTimeout time.Duration // 查询集群成员的超时时间
	RecomputeWorkers  int           // 批量重算的协程池大小
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		MembershipTimeout: 3 * time.Second,
		RecomputeWorkers:  64,
	}
}

// PresenceUseCaseImpl 在线状态用例实现
type PresenceUseCaseImpl struct {
	connRepo   out.ConnectionRepository
	statusRepo out.UserStatusRepository
	membership out.MembershipProvider
	eventBus   out.EventBus
	opts       Options
	pool       *ants.Pool
}

var _ in.PresenceUseCase = (*PresenceUseCaseImpl)(nil)

// NewPresenceUseCase 创建在线状态用例
func NewPresenceUseCase(
	connRepo out.ConnectionRepository,
	statusRepo out.UserStatusRepository,
	membership out.MembershipProvider,
	eventBus out.EventBus,
	opts Options,
) (*PresenceUseCaseImpl, error) {
	def := DefaultOptions()
	if opts.MembershipTimeout <= 0 {
		opts.MembershipTimeout = def.MembershipTimeout
	}
	if opts.RecomputeWorkers <= 0 {
		opts.RecomputeWorkers = def.RecomputeWorkers
	}

	pool, err := ants.NewPool(opts.RecomputeWorkers, ants.WithPanicHandler(func(p interface{}) {
		zap.L().Error("presence recompute panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create recompute pool: %w", err)
	}

	return &PresenceUseCaseImpl{
		connRepo:   connRepo,
		statusRepo: statusRepo,
		membership: membership,
		eventBus:   eventBus,
		opts:       opts,
		pool:       pool,
	}, nil
}

// Close 释放协程池
func (uc *PresenceUseCaseImpl) Close() {
	uc.pool.Release()
}

// OnConnect 新连接上线
func (uc *PresenceUseCaseImpl) OnConnect(ctx context.Context, userID, connectionID, nodeID string) (*in.ConnectResult, error) {
	if userID == "" || connectionID == "" || nodeID == "" {
		return nil, presenceErr.ErrEmptyID
	}

	prevOwner, err := uc.connRepo.AddConnection(ctx, userID, entity.NewConnection(connectionID, nodeID))
	if err != nil {
		return nil, fmt.Errorf("add connection: %w", err)
	}

	if err := uc.updateUserPresence(ctx, userID); err != nil {
		return nil, err
	}
	// 连接从其他用户下迁过来，原用户的状态也要重算
	if prevOwner != "" && prevOwner != userID {
		zlog.C(ctx).Warn("connection moved from another user",
			zap.String("uid", userID),
			zap.String("prevOwner", prevOwner),
			zap.String("connectionId", connectionID))
		if err := uc.updateUserPresence(ctx, prevOwner); err != nil {
			return nil, err
		}
	}

	zlog.C(ctx).Debug("connection added",
		zap.String("uid", userID),
		zap.String("connectionId", connectionID),
		zap.String("nodeId", nodeID))

	return &in.ConnectResult{UserID: userID, ConnectionID: connectionID}, nil
}

// OnDisconnect 连接断开
func (uc *PresenceUseCaseImpl) OnDisconnect(ctx context.Context, userID, connectionID string) (*in.DisconnectResult, error) {
	if userID == "" || connectionID == "" {
		return nil, presenceErr.ErrEmptyID
	}

	owner, removed, err := uc.connRepo.RemoveConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("remove connection: %w", err)
	}

	// 连接不存在时也重算一次，顺带修复残留状态
	if err := uc.updateUserPresence(ctx, userID); err != nil {
		return nil, err
	}
	if owner != "" && owner != userID {
		zlog.C(ctx).Warn("connection owned by another user",
			zap.String("uid", userID),
			zap.String("owner", owner),
			zap.String("connectionId", connectionID))
		if err := uc.updateUserPresence(ctx, owner); err != nil {
			return nil, err
		}
	}

	return &in.DisconnectResult{UserID: userID, ConnectionID: connectionID, Removed: removed}, nil
}

// SetUserDefaultStatus 设置用户默认状态
// 默认状态、生效状态和状态文本在同一次文档写入中落库
func (uc *PresenceUseCaseImpl) SetUserDefaultStatus(ctx context.Context, userID string, statusDefault entity.PresenceStatus, statusText *string) (bool, error) {
	if userID == "" {
		return false, presenceErr.ErrEmptyID
	}
	if !statusDefault.Valid() {
		return false, presenceErr.ErrInvalidStatus
	}

	user, err := uc.statusRepo.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return false, nil
	}

	set, err := uc.connRepo.FindConnections(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("find connections: %w", err)
	}

	status, statusConnection := service.ResolveStatus(set.Connections, statusDefault)

	changed, err := uc.statusRepo.UpdateStatus(ctx, userID, entity.StatusUpdate{
		Status:           status,
		StatusConnection: statusConnection,
		StatusDefault:    &statusDefault,
		StatusText:       statusText,
	})
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}

	if changed {
		text := user.StatusText
		if statusText != nil {
			text = *statusText
		}
		uc.broadcast(ctx, userID, user.Username, status, text)
	}

	return changed, nil
}

// SetConnectionStatus 设置单个连接的状态
func (uc *PresenceUseCaseImpl) SetConnectionStatus(ctx context.Context, userID, connectionID string, status entity.PresenceStatus) (bool, error) {
	if userID == "" || connectionID == "" {
		return false, presenceErr.ErrEmptyID
	}
	if !status.Valid() {
		return false, presenceErr.ErrInvalidStatus
	}

	changed, err := uc.connRepo.SetConnectionStatus(ctx, userID, connectionID, status)
	if err != nil {
		return false, fmt.Errorf("set connection status: %w", err)
	}

	if err := uc.updateUserPresence(ctx, userID); err != nil {
		return changed, err
	}

	return changed, nil
}

// OnNodeLost 节点离开集群，清理其上的全部连接
func (uc *PresenceUseCaseImpl) OnNodeLost(ctx context.Context, nodeID string) ([]string, error) {
	if nodeID == "" {
		return nil, presenceErr.ErrEmptyID
	}

	// 只重算真正被删过连接的用户
	removed, affected, err := uc.connRepo.RemoveConnectionsByNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("remove connections by node: %w", err)
	}

	if removed == 0 || len(affected) == 0 {
		return []string{}, nil
	}
	prunedCounter.WithLabelValues("node_lost").Add(float64(removed))
	sort.Strings(affected)

	zap.L().Info("node lost, connections removed",
		zap.String("nodeId", nodeID),
		zap.Int64("removed", removed),
		zap.Int("users", len(affected)))

	return affected, uc.updateUsersPresence(ctx, affected)
}

// ReconcileAgainstLiveMembership 清理不属于任何存活节点的连接
// 成员信息不可用时不做任何清理，避免误判用户离线
func (uc *PresenceUseCaseImpl) ReconcileAgainstLiveMembership(ctx context.Context) ([]string, error) {
	if uc.membership == nil {
		zap.L().Warn("no membership provider, skip reconcile")
		return []string{}, nil
	}

	qctx, cancel := context.WithTimeout(ctx, uc.opts.MembershipTimeout)
	nodes, err := uc.membership.ListAvailableNodes(qctx)
	cancel()
	if err != nil {
		zap.L().Warn("membership unknown, skip reconcile", zap.Error(err))
		return []string{}, nil
	}

	live := entity.AvailableNodeIDs(nodes)
	if len(live) == 0 {
		zap.L().Warn("membership reports no available node, skip reconcile",
			zap.Error(presenceErr.ErrMembershipUnavailable))
		return []string{}, nil
	}

	affected, removed, err := uc.connRepo.RemoveConnectionsNotInNodes(ctx, live)
	if err != nil {
		return nil, fmt.Errorf("remove connections not in nodes: %w", err)
	}
	if len(affected) == 0 {
		return []string{}, nil
	}
	prunedCounter.WithLabelValues("reconcile").Add(float64(removed))

	sort.Strings(affected)
	zap.L().Info("reconcile removed orphaned connections",
		zap.Strings("liveNodes", live),
		zap.Int64("removed", removed),
		zap.Int("users", len(affected)))

	return affected, uc.updateUsersPresence(ctx, affected)
}

// GetPresence 获取用户状态和当前连接
func (uc *PresenceUseCaseImpl) GetPresence(ctx context.Context, userID string) (*entity.UserPresence, error) {
	if userID == "" {
		return nil, presenceErr.ErrEmptyID
	}

	user, err := uc.statusRepo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, nil
	}

	set, err := uc.connRepo.FindConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find connections: %w", err)
	}

	return &entity.UserPresence{User: user, Connections: set.Connections}, nil
}

// EnsureUser 登记用户
func (uc *PresenceUseCaseImpl) EnsureUser(ctx context.Context, userID, username string) error {
	if userID == "" {
		return presenceErr.ErrEmptyID
	}
	return uc.statusRepo.EnsureUser(ctx, userID, username)
}

// updateUsersPresence 并发重算多个用户，全部完成后返回
func (uc *PresenceUseCaseImpl) updateUsersPresence(ctx context.Context, userIDs []string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, uid := range userIDs {
		uid := uid
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := uc.updateUserPresence(ctx, uid); err != nil {
				zap.L().Warn("recompute presence failed", zap.String("uid", uid), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}
		if err := uc.pool.Submit(task); err != nil {
			// 协程池不可用时退化为同步执行
			task()
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}

// updateUserPresence 重算并在状态真正变化时写入和广播
func (uc *PresenceUseCaseImpl) updateUserPresence(ctx context.Context, userID string) error {
	user, err := uc.statusRepo.GetUser(ctx, userID)
	if err != nil {
		recomputeCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("get user %s: %w", userID, err)
	}
	if user == nil {
		recomputeCounter.WithLabelValues("skipped").Inc()
		return nil
	}

	set, err := uc.connRepo.FindConnections(ctx, userID)
	if err != nil {
		recomputeCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("find connections %s: %w", userID, err)
	}

	statusDefault := user.StatusDefault
	if statusDefault == "" {
		statusDefault = entity.PresenceStatusOnline
	}

	status, statusConnection := service.ResolveStatus(set.Connections, statusDefault)
	if status == user.Status && statusConnection == user.StatusConnection {
		recomputeCounter.WithLabelValues("unchanged").Inc()
		return nil
	}

	changed, err := uc.statusRepo.UpdateStatus(ctx, userID, entity.StatusUpdate{
		Status:           status,
		StatusConnection: statusConnection,
	})
	if err != nil {
		recomputeCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("update status %s: %w", userID, err)
	}
	if !changed {
		recomputeCounter.WithLabelValues("unchanged").Inc()
		return nil
	}

	recomputeCounter.WithLabelValues("updated").Inc()
	uc.broadcast(ctx, userID, user.Username, status, user.StatusText)
	return nil
}

func (uc *PresenceUseCaseImpl) broadcast(ctx context.Context, userID, username string, status entity.PresenceStatus, statusText string) {
	if uc.eventBus == nil {
		return
	}

	event := entity.NewStatusEvent(userID, username, status, statusText)
	if err := uc.eventBus.Publish(ctx, entity.TopicPresenceStatus, event); err != nil {
		broadcastCounter.WithLabelValues("error").Inc()
		zlog.C(ctx).Warn("broadcast presence failed", zap.String("uid", userID), zap.Error(err))
		return
	}
	broadcastCounter.WithLabelValues("ok").Inc()
}
