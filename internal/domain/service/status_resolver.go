package service

import "github.com/EthanQC/presence/internal/domain/entity"

// 连接状态优先级，数值越大越优先
var precedence = map[entity.PresenceStatus]int{
	entity.PresenceStatusOnline:  4,
	entity.PresenceStatusAway:    3,
	entity.PresenceStatusBusy:    2,
	entity.PresenceStatusOffline: 1,
}

// Precedence 返回状态优先级，未知状态为 0
func Precedence(status entity.PresenceStatus) int {
	return precedence[status]
}

// ResolveStatus 根据用户所有连接和默认状态计算生效状态
//
// 默认状态为 offline（隐身）时无视连接直接返回 offline；
// 否则取优先级最高的连接，同优先级取序列中靠前的连接。
// 返回的 statusConnection 为决定状态的连接 ID，没有时为空。
func ResolveStatus(connections []entity.Connection, statusDefault entity.PresenceStatus) (entity.PresenceStatus, string) {
	if statusDefault == entity.PresenceStatusOffline {
		return entity.PresenceStatusOffline, ""
	}

	best := -1
	for i, c := range connections {
		if best == -1 || Precedence(c.Status) > Precedence(connections[best].Status) {
			best = i
		}
	}

	if best == -1 {
		return entity.PresenceStatusOffline, ""
	}

	winner := connections[best]
	if Precedence(winner.Status) <= Precedence(entity.PresenceStatusOffline) {
		return entity.PresenceStatusOffline, ""
	}
	return winner.Status, winner.ID
}
