package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/out"
	presenceErr "github.com/EthanQC/presence/pkg/errors"
)

const (
	// 默认 Key 前缀
	defaultKeyPrefix = "presence:"
	// 乐观事务最大重试次数
	maxTxRetries = 8
)

// ConnectionRepositoryRedis Redis连接仓储实现
//
//	{prefix}conns:{uid}        hash  connID -> Connection JSON
//	{prefix}conn_owner         hash  connID -> uid
//	{prefix}node_conns:{node}  set   connID
//	{prefix}conn_nodes         set   持有连接的节点
type ConnectionRepositoryRedis struct {
	client *redis.Client
	prefix string
}

func NewConnectionRepositoryRedis(client *redis.Client, prefix string) out.ConnectionRepository {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &ConnectionRepositoryRedis{client: client, prefix: prefix}
}

func (r *ConnectionRepositoryRedis) userKey(userID string) string {
	return fmt.Sprintf("%sconns:%s", r.prefix, userID)
}

func (r *ConnectionRepositoryRedis) ownerKey() string {
	return r.prefix + "conn_owner"
}

func (r *ConnectionRepositoryRedis) nodeKey(nodeID string) string {
	return fmt.Sprintf("%snode_conns:%s", r.prefix, nodeID)
}

func (r *ConnectionRepositoryRedis) nodesKey() string {
	return r.prefix + "conn_nodes"
}

// watch 在单个用户 Key 上执行乐观事务，冲突时重试
func (r *ConnectionRepositoryRedis) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return presenceErr.ErrConflict
}

func (r *ConnectionRepositoryRedis) AddConnection(ctx context.Context, userID string, conn entity.Connection) (string, error) {
	userKey := r.userKey(userID)

	// 连接 ID 之前属于其他用户时先从旧用户下摘除
	prevOwner, err := r.client.HGet(ctx, r.ownerKey(), conn.ID).Result()
	if err != nil && err != redis.Nil {
		return "", err
	}
	if prevOwner == userID {
		prevOwner = ""
	}
	if prevOwner != "" {
		if _, _, err := r.removeFromUser(ctx, prevOwner, conn.ID); err != nil {
			return "", err
		}
	}

	err = r.watch(ctx, func(tx *redis.Tx) error {
		var oldNode string
		raw, err := tx.HGet(ctx, userKey, conn.ID).Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if old, err := decodeConnection(raw); err == nil {
				oldNode = old.NodeID
				if !old.CreatedAt.IsZero() {
					conn.CreatedAt = old.CreatedAt
				}
			}
		}

		data, err := json.Marshal(conn)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, userKey, conn.ID, string(data))
			pipe.HSet(ctx, r.ownerKey(), conn.ID, userID)
			pipe.SAdd(ctx, r.nodeKey(conn.NodeID), conn.ID)
			pipe.SAdd(ctx, r.nodesKey(), conn.NodeID)
			if oldNode != "" && oldNode != conn.NodeID {
				pipe.SRem(ctx, r.nodeKey(oldNode), conn.ID)
			}
			return nil
		})
		return err
	}, userKey)
	if err != nil {
		return "", err
	}
	return prevOwner, nil
}

func (r *ConnectionRepositoryRedis) RemoveConnection(ctx context.Context, connectionID string) (string, bool, error) {
	owner, err := r.client.HGet(ctx, r.ownerKey(), connectionID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}

	removed, _, err := r.removeFromUser(ctx, owner, connectionID)
	if err != nil {
		return "", false, err
	}
	return owner, removed, nil
}

// removeFromUser 从用户连接中删除指定连接并维护索引
func (r *ConnectionRepositoryRedis) removeFromUser(ctx context.Context, userID, connectionID string) (bool, string, error) {
	userKey := r.userKey(userID)
	var (
		removed bool
		nodeID  string
	)

	err := r.watch(ctx, func(tx *redis.Tx) error {
		removed, nodeID = false, ""

		raw, err := tx.HGet(ctx, userKey, connectionID).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if conn, derr := decodeConnection(raw); derr == nil {
				nodeID = conn.NodeID
			}
			removed = true
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, userKey, connectionID)
			pipe.HDel(ctx, r.ownerKey(), connectionID)
			if nodeID != "" {
				pipe.SRem(ctx, r.nodeKey(nodeID), connectionID)
			}
			return nil
		})
		return err
	}, userKey)

	return removed, nodeID, err
}

func (r *ConnectionRepositoryRedis) SetConnectionStatus(ctx context.Context, userID, connectionID string, status entity.PresenceStatus) (bool, error) {
	userKey := r.userKey(userID)
	var changed bool

	err := r.watch(ctx, func(tx *redis.Tx) error {
		changed = false

		raw, err := tx.HGet(ctx, userKey, connectionID).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}

		conn, err := decodeConnection(raw)
		if err != nil {
			return err
		}
		if conn.Status == status {
			return nil
		}

		conn.Status = status
		conn.UpdatedAt = time.Now()
		data, err := json.Marshal(conn)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, userKey, connectionID, string(data))
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}, userKey)

	return changed, err
}

func (r *ConnectionRepositoryRedis) FindConnections(ctx context.Context, userID string) (*entity.UserConnectionSet, error) {
	result, err := r.client.HGetAll(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	conns := make([]entity.Connection, 0, len(result))
	for _, raw := range result {
		conn, err := decodeConnection(raw)
		if err != nil {
			continue
		}
		conns = append(conns, conn)
	}
	return entity.NewUserConnectionSet(userID, conns), nil
}

func (r *ConnectionRepositoryRedis) FindConnectionsByNode(ctx context.Context, nodeID string) (map[string]*entity.UserConnectionSet, error) {
	grouped, err := r.connectionsByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*entity.UserConnectionSet, len(grouped))
	for uid, conns := range grouped {
		result[uid] = entity.NewUserConnectionSet(uid, conns)
	}
	return result, nil
}

func (r *ConnectionRepositoryRedis) RemoveConnectionsByNode(ctx context.Context, nodeID string) (int64, []string, error) {
	removed, err := r.removeNode(ctx, nodeID)
	if err != nil {
		return 0, nil, err
	}

	var total int64
	users := make([]string, 0, len(removed))
	for uid, n := range removed {
		total += int64(n)
		users = append(users, uid)
	}
	sort.Strings(users)
	return total, users, nil
}

func (r *ConnectionRepositoryRedis) RemoveConnectionsNotInNodes(ctx context.Context, liveNodeIDs []string) ([]string, int64, error) {
	live := make(map[string]struct{}, len(liveNodeIDs))
	for _, id := range liveNodeIDs {
		live[id] = struct{}{}
	}

	nodes, err := r.client.SMembers(ctx, r.nodesKey()).Result()
	if err != nil {
		return nil, 0, err
	}

	var total int64
	affected := make(map[string]struct{})
	for _, nodeID := range nodes {
		if _, ok := live[nodeID]; ok {
			continue
		}
		removed, err := r.removeNode(ctx, nodeID)
		if err != nil {
			return nil, 0, fmt.Errorf("remove connections of node %s: %w", nodeID, err)
		}
		for uid, n := range removed {
			affected[uid] = struct{}{}
			total += int64(n)
		}
	}

	users := make([]string, 0, len(affected))
	for uid := range affected {
		users = append(users, uid)
	}
	sort.Strings(users)
	return users, total, nil
}

// connectionsByNode 通过节点索引找出连接并按用户分组，顺带清理过期索引
func (r *ConnectionRepositoryRedis) connectionsByNode(ctx context.Context, nodeID string) (map[string][]entity.Connection, error) {
	connIDs, err := r.client.SMembers(ctx, r.nodeKey(nodeID)).Result()
	if err != nil {
		return nil, err
	}
	if len(connIDs) == 0 {
		return map[string][]entity.Connection{}, nil
	}

	owners, err := r.client.HMGet(ctx, r.ownerKey(), connIDs...).Result()
	if err != nil {
		return nil, err
	}

	byUser := make(map[string][]string)
	var stale []interface{}
	for i, o := range owners {
		uid, ok := o.(string)
		if !ok || uid == "" {
			stale = append(stale, connIDs[i])
			continue
		}
		byUser[uid] = append(byUser[uid], connIDs[i])
	}

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.SliceCmd, len(byUser))
	for uid, ids := range byUser {
		cmds[uid] = pipe.HMGet(ctx, r.userKey(uid), ids...)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	result := make(map[string][]entity.Connection, len(byUser))
	for uid, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, byUser[uid][i])
				continue
			}
			conn, err := decodeConnection(raw)
			if err != nil || conn.NodeID != nodeID {
				stale = append(stale, byUser[uid][i])
				continue
			}
			result[uid] = append(result[uid], conn)
		}
	}

	if len(stale) > 0 {
		r.client.SRem(ctx, r.nodeKey(nodeID), stale...)
	}
	return result, nil
}

// removeNode 删除节点上的全部连接，返回每个用户被删除的连接数
func (r *ConnectionRepositoryRedis) removeNode(ctx context.Context, nodeID string) (map[string]int, error) {
	grouped, err := r.connectionsByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	removed := make(map[string]int, len(grouped))
	for uid, conns := range grouped {
		n, err := r.removeUserNodeConnections(ctx, uid, nodeID, conns)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			removed[uid] = n
		}
	}

	r.forgetEmptyNode(ctx, nodeID)
	return removed, nil
}

// removeUserNodeConnections 在用户 Key 上原子地删除仍属于该节点的连接
func (r *ConnectionRepositoryRedis) removeUserNodeConnections(ctx context.Context, userID, nodeID string, conns []entity.Connection) (int, error) {
	userKey := r.userKey(userID)
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}

	var removed int
	err := r.watch(ctx, func(tx *redis.Tx) error {
		removed = 0

		vals, err := tx.HMGet(ctx, userKey, ids...).Result()
		if err != nil {
			return err
		}

		var toDelete []string
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			conn, err := decodeConnection(raw)
			if err != nil || conn.NodeID != nodeID {
				continue
			}
			toDelete = append(toDelete, ids[i])
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(toDelete) > 0 {
				pipe.HDel(ctx, userKey, toDelete...)
				pipe.HDel(ctx, r.ownerKey(), toDelete...)
			}
			members := make([]interface{}, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.SRem(ctx, r.nodeKey(nodeID), members...)
			return nil
		})
		if err == nil {
			removed = len(toDelete)
		}
		return err
	}, userKey)

	return removed, err
}

// forgetEmptyNode 节点索引为空时从节点集合中移除
func (r *ConnectionRepositoryRedis) forgetEmptyNode(ctx context.Context, nodeID string) {
	nodeKey := r.nodeKey(nodeID)
	_ = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.SCard(ctx, nodeKey).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, r.nodesKey(), nodeID)
			return nil
		})
		return err
	}, nodeKey)
}

func decodeConnection(raw string) (entity.Connection, error) {
	var conn entity.Connection
	if err := json.Unmarshal([]byte(raw), &conn); err != nil {
		return entity.Connection{}, err
	}
	return conn, nil
}
