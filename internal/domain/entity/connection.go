package entity

import (
	"sort"
	"time"
)

// Connection 单个物理会话
type Connection struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"nodeId"`
	Status    PresenceStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NewConnection 新建连接，初始状态为 online
func NewConnection(id, nodeID string) Connection {
	now := time.Now()
	return Connection{
		ID:        id,
		NodeID:    nodeID,
		Status:    PresenceStatusOnline,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UserConnectionSet 某个用户的全部连接
type UserConnectionSet struct {
	UserID      string       `json:"userId"`
	Connections []Connection `json:"connections"`
}

// NewUserConnectionSet 创建连接集合，按连接 ID 升序排列保证结果稳定
func NewUserConnectionSet(userID string, conns []Connection) *UserConnectionSet {
	sorted := make([]Connection, len(conns))
	copy(sorted, conns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	return &UserConnectionSet{UserID: userID, Connections: sorted}
}

// Len 连接数
func (s *UserConnectionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Connections)
}

// Find 按 ID 查找连接
func (s *UserConnectionSet) Find(connectionID string) (Connection, bool) {
	if s == nil {
		return Connection{}, false
	}
	for _, c := range s.Connections {
		if c.ID == connectionID {
			return c, true
		}
	}
	return Connection{}, false
}
