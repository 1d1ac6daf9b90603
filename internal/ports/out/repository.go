package out

import (
	"context"

	"github.com/EthanQC/presence/internal/domain/entity"
)

// ConnectionRepository 连接仓储接口，单用户粒度原子
type ConnectionRepository interface {
	// AddConnection 添加连接，按连接 ID 幂等覆盖
	// 连接 ID 原先属于其他用户时先从该用户下摘除，并返回该用户
	AddConnection(ctx context.Context, userID string, conn entity.Connection) (prevOwner string, err error)
	// RemoveConnection 移除连接，返回所属用户以及是否真的删除
	RemoveConnection(ctx context.Context, connectionID string) (userID string, removed bool, err error)
	// SetConnectionStatus 修改单个连接状态，返回是否有变化
	SetConnectionStatus(ctx context.Context, userID, connectionID string, status entity.PresenceStatus) (bool, error)
	// FindConnections 获取用户全部连接，不存在时返回空集合
	FindConnections(ctx context.Context, userID string) (*entity.UserConnectionSet, error)
	// FindConnectionsByNode 获取某节点上的全部连接，按用户分组
	FindConnectionsByNode(ctx context.Context, nodeID string) (map[string]*entity.UserConnectionSet, error)
	// RemoveConnectionsByNode 删除某节点上的全部连接，返回删除数量和真正被删过连接的用户
	RemoveConnectionsByNode(ctx context.Context, nodeID string) (removed int64, affected []string, err error)
	// RemoveConnectionsNotInNodes 删除所有不属于存活节点的连接，返回受影响用户和删除数量
	RemoveConnectionsNotInNodes(ctx context.Context, liveNodeIDs []string) (affected []string, removed int64, err error)
}

// UserStatusRepository 用户状态仓储接口
type UserStatusRepository interface {
	// GetUser 获取用户状态文档，不存在返回 nil
	GetUser(ctx context.Context, userID string) (*entity.UserStatus, error)
	// UpdateStatus 更新状态，返回存储的值是否真的改变
	UpdateStatus(ctx context.Context, userID string, update entity.StatusUpdate) (bool, error)
	// EnsureUser 用户不存在时创建
	EnsureUser(ctx context.Context, userID, username string) error
}

// MembershipProvider 集群成员信息
type MembershipProvider interface {
	// ListAvailableNodes 列出集群节点，失败或超时视为未知
	ListAvailableNodes(ctx context.Context) ([]entity.ClusterNode, error)
}
