package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/in"
	"github.com/EthanQC/presence/pkg/zlog"
)

const (
	TopicConnection = "presence.connection"
	TopicCluster    = "cluster.node"
)

// 连接事件类型
const (
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventStatus        = "status"
	EventDefaultStatus = "defaultStatus"
)

// 集群事件类型
const (
	EventNodeDisconnected = "nodeDisconnected"
	EventReconcile        = "reconcile"
)

// handleTimeout 单条事件的处理超时
const handleTimeout = 30 * time.Second

// Topics 订阅的 Kafka topic
type Topics struct {
	Connection string
	Cluster    string
}

func (t Topics) withDefaults() Topics {
	if t.Connection == "" {
		t.Connection = TopicConnection
	}
	if t.Cluster == "" {
		t.Cluster = TopicCluster
	}
	return t
}

// ConnectionEvent presence.connection 消息
type ConnectionEvent struct {
	Type          string  `json:"type"`
	UserID        string  `json:"uid"`
	ConnectionID  string  `json:"connectionId"`
	NodeID        string  `json:"nodeId,omitempty"`
	Status        string  `json:"status,omitempty"`
	StatusDefault string  `json:"statusDefault,omitempty"`
	StatusText    *string `json:"statusText,omitempty"`
}

// ClusterEvent cluster.node 消息
type ClusterEvent struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

// EventHandler 把 MQ 消息翻译成用例调用
type EventHandler struct {
	presence in.PresenceUseCase
	topics   Topics
}

func NewEventHandler(presence in.PresenceUseCase, topics Topics) *EventHandler {
	return &EventHandler{presence: presence, topics: topics.withDefaults()}
}

// Handle 处理一条消息
func (h *EventHandler) Handle(ctx context.Context, topic string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	switch topic {
	case h.topics.Connection:
		var event ConnectionEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("unmarshal connection event: %w", err)
		}
		return h.handleConnection(ctx, &event)
	case h.topics.Cluster:
		var event ClusterEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("unmarshal cluster event: %w", err)
		}
		return h.handleCluster(ctx, &event)
	default:
		return fmt.Errorf("unknown topic %q", topic)
	}
}

func (h *EventHandler) handleConnection(ctx context.Context, event *ConnectionEvent) error {
	ctx = zlog.WithFields(ctx, zap.String("uid", event.UserID), zap.String("event", event.Type))

	switch event.Type {
	case EventConnect:
		_, err := h.presence.OnConnect(ctx, event.UserID, event.ConnectionID, event.NodeID)
		return err
	case EventDisconnect:
		_, err := h.presence.OnDisconnect(ctx, event.UserID, event.ConnectionID)
		return err
	case EventStatus:
		status, err := entity.ParsePresenceStatus(event.Status)
		if err != nil {
			return err
		}
		_, err = h.presence.SetConnectionStatus(ctx, event.UserID, event.ConnectionID, status)
		return err
	case EventDefaultStatus:
		status, err := entity.ParsePresenceStatus(event.StatusDefault)
		if err != nil {
			return err
		}
		_, err = h.presence.SetUserDefaultStatus(ctx, event.UserID, status, event.StatusText)
		return err
	default:
		return fmt.Errorf("unknown connection event type %q", event.Type)
	}
}

func (h *EventHandler) handleCluster(ctx context.Context, event *ClusterEvent) error {
	switch event.Type {
	case EventNodeDisconnected:
		affected, err := h.presence.OnNodeLost(ctx, event.NodeID)
		if err != nil {
			return err
		}
		zlog.C(ctx).Info("node disconnected event handled",
			zap.String("nodeId", event.NodeID),
			zap.Int("users", len(affected)))
		return nil
	case EventReconcile:
		_, err := h.presence.ReconcileAgainstLiveMembership(ctx)
		return err
	default:
		return fmt.Errorf("unknown cluster event type %q", event.Type)
	}
}
