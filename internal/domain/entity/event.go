package entity

// TopicPresenceStatus 状态变更广播主题
const TopicPresenceStatus = "presence.status"

// StatusEventUser 广播载荷中的用户部分
type StatusEventUser struct {
	ID         string         `json:"_id"`
	Username   string         `json:"username"`
	Status     PresenceStatus `json:"status"`
	StatusText string         `json:"statusText"`
}

// StatusEvent presence.status 事件载荷
type StatusEvent struct {
	User StatusEventUser `json:"user"`
}

// NewStatusEvent 构建状态变更事件
func NewStatusEvent(userID, username string, status PresenceStatus, statusText string) *StatusEvent {
	return &StatusEvent{User: StatusEventUser{
		ID:         userID,
		Username:   username,
		Status:     status,
		StatusText: statusText,
	}}
}
