package application

import (
	"context"
	"errors"
	"sync"

	"github.com/EthanQC/presence/internal/domain/entity"
)

// memConnRepo 连接仓储的内存实现，仅用于测试
type memConnRepo struct {
	mu    sync.Mutex
	conns map[string][]entity.Connection // uid -> conns

	// beforeNodeRemoval 在按节点删除前执行，持有锁
	beforeNodeRemoval func(conns map[string][]entity.Connection)
}

func newMemConnRepo() *memConnRepo {
	return &memConnRepo{conns: make(map[string][]entity.Connection)}
}

func (r *memConnRepo) AddConnection(_ context.Context, userID string, conn entity.Connection) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prevOwner string
	for uid, list := range r.conns {
		if uid == userID {
			continue
		}
		for i, c := range list {
			if c.ID == conn.ID {
				r.conns[uid] = append(list[:i:i], list[i+1:]...)
				prevOwner = uid
				break
			}
		}
	}
	list := r.conns[userID]
	for i, c := range list {
		if c.ID == conn.ID {
			list[i] = conn
			return prevOwner, nil
		}
	}
	r.conns[userID] = append(list, conn)
	return prevOwner, nil
}

func (r *memConnRepo) RemoveConnection(_ context.Context, connectionID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, list := range r.conns {
		for i, c := range list {
			if c.ID == connectionID {
				r.conns[uid] = append(list[:i:i], list[i+1:]...)
				return uid, true, nil
			}
		}
	}
	return "", false, nil
}

func (r *memConnRepo) SetConnectionStatus(_ context.Context, userID, connectionID string, status entity.PresenceStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.conns[userID] {
		if c.ID == connectionID {
			if c.Status == status {
				return false, nil
			}
			r.conns[userID][i].Status = status
			return true, nil
		}
	}
	return false, nil
}

func (r *memConnRepo) FindConnections(_ context.Context, userID string) (*entity.UserConnectionSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return entity.NewUserConnectionSet(userID, r.conns[userID]), nil
}

func (r *memConnRepo) FindConnectionsByNode(_ context.Context, nodeID string) (map[string]*entity.UserConnectionSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[string]*entity.UserConnectionSet)
	for uid, list := range r.conns {
		var matched []entity.Connection
		for _, c := range list {
			if c.NodeID == nodeID {
				matched = append(matched, c)
			}
		}
		if len(matched) > 0 {
			result[uid] = entity.NewUserConnectionSet(uid, matched)
		}
	}
	return result, nil
}

func (r *memConnRepo) RemoveConnectionsByNode(_ context.Context, nodeID string) (int64, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beforeNodeRemoval != nil {
		r.beforeNodeRemoval(r.conns)
	}
	var removed int64
	var affected []string
	for uid, list := range r.conns {
		kept := list[:0:0]
		for _, c := range list {
			if c.NodeID == nodeID {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) != len(list) {
			affected = append(affected, uid)
		}
		r.conns[uid] = kept
	}
	return removed, affected, nil
}

func (r *memConnRepo) RemoveConnectionsNotInNodes(_ context.Context, live []string) ([]string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}
	var affected []string
	var removed int64
	for uid, list := range r.conns {
		kept := list[:0:0]
		for _, c := range list {
			if liveSet[c.NodeID] {
				kept = append(kept, c)
			}
		}
		if len(kept) != len(list) {
			affected = append(affected, uid)
			removed += int64(len(list) - len(kept))
		}
		r.conns[uid] = kept
	}
	return affected, removed, nil
}

func (r *memConnRepo) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID])
}

// memStatusRepo 用户状态仓储的内存实现
type memStatusRepo struct {
	mu        sync.Mutex
	users     map[string]*entity.UserStatus
	updateErr error
	updates   int
}

func newMemStatusRepo() *memStatusRepo {
	return &memStatusRepo{users: make(map[string]*entity.UserStatus)}
}

func (r *memStatusRepo) GetUser(_ context.Context, userID string) (*entity.UserStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memStatusRepo) UpdateStatus(_ context.Context, userID string, update entity.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return false, r.updateErr
	}
	u, ok := r.users[userID]
	if !ok {
		return false, nil
	}
	before := *u
	u.Status = update.Status
	u.StatusConnection = update.StatusConnection
	if update.StatusDefault != nil {
		u.StatusDefault = *update.StatusDefault
	}
	if update.StatusText != nil {
		u.StatusText = *update.StatusText
	}
	changed := before != *u
	if changed {
		r.updates++
	}
	return changed, nil
}

func (r *memStatusRepo) EnsureUser(_ context.Context, userID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = &entity.UserStatus{
			UserID:        userID,
			Username:      username,
			Status:        entity.PresenceStatusOffline,
			StatusDefault: entity.PresenceStatusOnline,
		}
	}
	return nil
}

func (r *memStatusRepo) status(userID string) entity.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID].Status
}

// fakeMembership 可控的集群成员信息
type fakeMembership struct {
	mu    sync.Mutex
	nodes []entity.ClusterNode
	err   error
	calls int
}

func (m *fakeMembership) ListAvailableNodes(context.Context) ([]entity.ClusterNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.nodes, nil
}

var errMembershipDown = errors.New("membership timeout")

// recordingBus 记录所有广播
type recordingBus struct {
	mu     sync.Mutex
	events []*entity.StatusEvent
	topics []string
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	if ev, ok := payload.(*entity.StatusEvent); ok {
		b.events = append(b.events, ev)
	}
	return nil
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *recordingBus) last() *entity.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	return b.events[len(b.events)-1]
}
