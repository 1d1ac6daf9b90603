package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
)

const (
	// 节点心跳默认过期时间
	defaultNodeTTL = 15 * time.Second
)

// nodeInfo 节点心跳内容
type nodeInfo struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"startedAt"`
}

// NodeRegistryRedis 基于心跳 Key 的集群成员注册表
//
//	{prefix}node:{id}  string  节点心跳，带 TTL
//	{prefix}nodes      set     所有出现过的节点
//
// 心跳过期的节点仍留在集合中并视为不可用，直到 Forget。
type NodeRegistryRedis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	self nodeInfo

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNodeRegistryRedis(client *redis.Client, prefix, nodeID, addr string, ttl time.Duration) *NodeRegistryRedis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultNodeTTL
	}
	return &NodeRegistryRedis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		self:   nodeInfo{ID: nodeID, Addr: addr, StartedAt: time.Now()},
	}
}

func (r *NodeRegistryRedis) nodeKey(nodeID string) string {
	return fmt.Sprintf("%snode:%s", r.prefix, nodeID)
}

func (r *NodeRegistryRedis) nodesKey() string {
	return r.prefix + "nodes"
}

// NodeID 当前节点 ID
func (r *NodeRegistryRedis) NodeID() string {
	return r.self.ID
}

// Register 写入一次心跳
func (r *NodeRegistryRedis) Register(ctx context.Context) error {
	data, err := json.Marshal(r.self)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.nodeKey(r.self.ID), string(data), r.ttl)
	pipe.SAdd(ctx, r.nodesKey(), r.self.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Start 注册并按 TTL/3 周期续约心跳
func (r *NodeRegistryRedis) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.heartbeatLoop(hbCtx, r.done)
	return nil
}

func (r *NodeRegistryRedis) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beatCtx, cancel := context.WithTimeout(ctx, interval)
			if err := r.Register(beatCtx); err != nil {
				zap.L().Warn("节点心跳失败",
					zap.String("node_id", r.self.ID),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// Stop 停止心跳并删除心跳 Key，其他节点会将本节点视为丢失
func (r *NodeRegistryRedis) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return r.client.Del(ctx, r.nodeKey(r.self.ID)).Err()
}

// Forget 从节点集合中移除，丢失处理完成后调用
func (r *NodeRegistryRedis) Forget(ctx context.Context, nodeID string) error {
	return r.client.SRem(ctx, r.nodesKey(), nodeID).Err()
}

// ListAvailableNodes 列出已知节点及其可用性
func (r *NodeRegistryRedis) ListAvailableNodes(ctx context.Context) ([]entity.ClusterNode, error) {
	ids, err := r.client.SMembers(ctx, r.nodesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, r.nodeKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	nodes := make([]entity.ClusterNode, 0, len(ids))
	for i, id := range ids {
		nodes = append(nodes, entity.ClusterNode{
			ID:        id,
			Available: cmds[i].Val() > 0,
		})
	}
	return nodes, nil
}
