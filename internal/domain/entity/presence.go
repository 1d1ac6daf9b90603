package entity

import (
	"strings"

	presenceErr "github.com/EthanQC/presence/pkg/errors"
)

// PresenceStatus 状态枚举
type PresenceStatus string

const (
	PresenceStatusOnline  PresenceStatus = "online"
	PresenceStatusAway    PresenceStatus = "away"
	PresenceStatusBusy    PresenceStatus = "busy"
	PresenceStatusOffline PresenceStatus = "offline"
)

// ParsePresenceStatus 解析状态字符串，大小写不敏感
func ParsePresenceStatus(s string) (PresenceStatus, error) {
	status := PresenceStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", presenceErr.ErrInvalidStatus
	}
	return status, nil
}

// Valid 是否是合法状态
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceStatusOnline, PresenceStatusAway, PresenceStatusBusy, PresenceStatusOffline:
		return true
	}
	return false
}

func (s PresenceStatus) String() string {
	return string(s)
}

// UserStatus 用户的聚合状态文档
// Status 只能由 StatusResolver 计算得出
type UserStatus struct {
	UserID           string         `json:"_id"`
	Username         string         `json:"username"`
	Status           PresenceStatus `json:"status"`
	StatusDefault    PresenceStatus `json:"statusDefault"`
	StatusConnection string         `json:"statusConnection,omitempty"`
	StatusText       string         `json:"statusText"`
}

// StatusUpdate 状态文档的一次写入
// StatusDefault / StatusText 为 nil 时不修改
type StatusUpdate struct {
	Status           PresenceStatus
	StatusConnection string
	StatusDefault    *PresenceStatus
	StatusText       *string
}

// UserPresence 用户状态读模型
type UserPresence struct {
	User        *UserStatus  `json:"user"`
	Connections []Connection `json:"connections"`
}
