package errors

import "errors"

var (
	// 参数相关
	ErrEmptyID       = errors.New("id 不能为空")
	ErrInvalidStatus = errors.New("无效的在线状态")

	// 存储相关
	ErrConflict = errors.New("并发写冲突，请重试")

	// 集群相关
	ErrMembershipUnavailable = errors.New("集群成员信息不可用")
)
