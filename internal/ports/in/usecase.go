package in

import (
	"context"

	"github.com/EthanQC/presence/internal/domain/entity"
)

// ConnectResult 上线结果
type ConnectResult struct {
	UserID       string `json:"uid"`
	ConnectionID string `json:"connectionId"`
}

// DisconnectResult 下线结果
type DisconnectResult struct {
	UserID       string `json:"uid"`
	ConnectionID string `json:"session"`
	Removed      bool   `json:"removed"`
}

// PresenceUseCase 在线状态用例接口
type PresenceUseCase interface {
	// OnConnect 新连接上线
	OnConnect(ctx context.Context, userID, connectionID, nodeID string) (*ConnectResult, error)
	// OnDisconnect 连接断开，重复调用无副作用
	OnDisconnect(ctx context.Context, userID, connectionID string) (*DisconnectResult, error)
	// SetUserDefaultStatus 设置用户默认状态及状态文本
	SetUserDefaultStatus(ctx context.Context, userID string, statusDefault entity.PresenceStatus, statusText *string) (bool, error)
	// SetConnectionStatus 设置单个连接的状态
	SetConnectionStatus(ctx context.Context, userID, connectionID string, status entity.PresenceStatus) (bool, error)
	// OnNodeLost 节点丢失，清理该节点上的连接
	OnNodeLost(ctx context.Context, nodeID string) ([]string, error)
	// ReconcileAgainstLiveMembership 按存活节点清理孤儿连接
	ReconcileAgainstLiveMembership(ctx context.Context) ([]string, error)
	// GetPresence 获取用户状态
	GetPresence(ctx context.Context, userID string) (*entity.UserPresence, error)
	// EnsureUser 登记用户
	EnsureUser(ctx context.Context, userID, username string) error
}
