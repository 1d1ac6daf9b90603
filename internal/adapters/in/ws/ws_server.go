package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/adapters/out/broadcast"
	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/in"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 4 * 1024
	// 调用用例的超时
	useCaseTimeout = 5 * time.Second
)

// WSMessageType WebSocket消息类型
type WSMessageType string

const (
	// 客户端消息类型
	MsgTypePing   WSMessageType = "ping"
	MsgTypeStatus WSMessageType = "status"

	// 服务端消息类型
	MsgTypePong     WSMessageType = "pong"
	MsgTypePresence WSMessageType = entity.TopicPresenceStatus
	MsgTypeReady    WSMessageType = "ready"
	MsgTypeError    WSMessageType = "error"
)

// WSMessage WebSocket消息
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

type statusData struct {
	Status string `json:"status"`
}

type readyData struct {
	UserID       string `json:"uid,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Server 在线状态 WebSocket 入口
// 带 uid 参数的连接本身就是该用户在本节点上的一个会话
type Server struct {
	hub      *broadcast.Hub
	presence in.PresenceUseCase
	nodeID   string
	upgrader websocket.Upgrader
}

func NewServer(hub *broadcast.Hub, presence in.PresenceUseCase, nodeID string) *Server {
	return &Server{
		hub:      hub,
		presence: presence,
		nodeID:   nodeID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes 注册 /ws/presence
func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/presence", s.Serve)
}

// Serve 升级连接并运行读写循环，直到连接关闭
//
//	uid    可选，作为该用户的一个连接上线
//	watch  可选，逗号分隔，只推送这些用户的状态变化
func (s *Server) Serve(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.L().Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		server: s,
		conn:   conn,
		userID: c.Query("uid"),
		watch:  parseWatch(c.Query("watch")),
		send:   make(chan WSMessage, 16),
		done:   make(chan struct{}),
		sub:    s.hub.Subscribe(entity.TopicPresenceStatus),
	}
	sess.run()
}

func parseWatch(raw string) map[string]struct{} {
	if raw == "" {
		return nil
	}
	watch := make(map[string]struct{})
	for _, uid := range strings.Split(raw, ",") {
		if uid = strings.TrimSpace(uid); uid != "" {
			watch[uid] = struct{}{}
		}
	}
	return watch
}

type session struct {
	server *Server
	conn   *websocket.Conn
	sub    *broadcast.Subscription

	userID       string
	connectionID string
	watch        map[string]struct{}

	send   chan WSMessage
	done   chan struct{}
	closed atomic.Bool
}

func (s *session) run() {
	defer s.cleanup()

	ready := readyData{}
	if s.userID != "" {
		s.connectionID = uuid.NewString()
		ctx, cancel := context.WithTimeout(context.Background(), useCaseTimeout)
		_, err := s.server.presence.OnConnect(ctx, s.userID, s.connectionID, s.server.nodeID)
		cancel()
		if err != nil {
			zap.L().Warn("WebSocket connect failed", zap.String("uid", s.userID), zap.Error(err))
			s.connectionID = ""
			s.writeDirect(newMessage(MsgTypeError, err.Error()))
			return
		}
		ready = readyData{UserID: s.userID, ConnectionID: s.connectionID}
	}

	go s.writePump()
	s.reply(newMessage(MsgTypeReady, ready))
	s.readPump()
}

// readPump 读取客户端消息，连接断开时返回
func (s *session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zap.L().Warn("WebSocket error", zap.String("uid", s.userID), zap.Error(err))
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *session) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(newMessage(MsgTypeError, "invalid message"))
		return
	}

	switch msg.Type {
	case MsgTypePing:
		s.reply(WSMessage{Type: MsgTypePong, Ts: time.Now().UnixMilli()})
	case MsgTypeStatus:
		s.handleStatus(msg.Data)
	default:
		s.reply(newMessage(MsgTypeError, "unknown message type"))
	}
}

func (s *session) handleStatus(data json.RawMessage) {
	if s.connectionID == "" {
		s.reply(newMessage(MsgTypeError, "anonymous stream cannot set status"))
		return
	}

	var req statusData
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(newMessage(MsgTypeError, "invalid status payload"))
		return
	}
	status, err := entity.ParsePresenceStatus(req.Status)
	if err != nil {
		s.reply(newMessage(MsgTypeError, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), useCaseTimeout)
	defer cancel()
	if _, err := s.server.presence.SetConnectionStatus(ctx, s.userID, s.connectionID, status); err != nil {
		s.reply(newMessage(MsgTypeError, err.Error()))
	}
}

// writePump 推送广播、回复和心跳
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.sub.C():
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			event, ok := msg.Payload.(*entity.StatusEvent)
			if !ok || !s.watching(event.User.ID) {
				continue
			}
			if err := s.writeJSON(newMessage(MsgTypePresence, event)); err != nil {
				return
			}
		case msg := <-s.send:
			if err := s.writeJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) watching(uid string) bool {
	if s.watch == nil {
		return true
	}
	_, ok := s.watch[uid]
	return ok
}

func (s *session) writeJSON(msg WSMessage) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// writeDirect 写循环启动前使用
func (s *session) writeDirect(msg WSMessage) {
	_ = s.writeJSON(msg)
}

func (s *session) reply(msg WSMessage) {
	if s.closed.Load() {
		return
	}
	select {
	case s.send <- msg:
	default:
		zap.L().Warn("WebSocket reply dropped", zap.String("uid", s.userID))
	}
}

func (s *session) cleanup() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	s.sub.Close()
	_ = s.conn.Close()

	if s.connectionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), useCaseTimeout)
	defer cancel()
	if _, err := s.server.presence.OnDisconnect(ctx, s.userID, s.connectionID); err != nil {
		zap.L().Warn("WebSocket disconnect failed",
			zap.String("uid", s.userID),
			zap.String("connectionId", s.connectionID),
			zap.Error(err))
	}
}

func newMessage(t WSMessageType, data any) WSMessage {
	var raw json.RawMessage
	if s, ok := data.(string); ok {
		raw, _ = json.Marshal(map[string]string{"message": s})
	} else {
		raw, _ = json.Marshal(data)
	}
	return WSMessage{Type: t, Data: raw, Ts: time.Now().UnixMilli()}
}
