package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/ports/out"
)

// AllTopics 订阅全部主题
const AllTopics = "*"

const defaultBufferSize = 64

var droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "presence_hub_dropped_total",
	Help: "订阅者缓冲区已满而被丢弃的广播数",
})

// RegisterMetrics 注册 Hub 指标
func RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(droppedCounter); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

// Message 一条广播
type Message struct {
	Topic   string
	Payload any
}

// Subscription 订阅句柄
type Subscription struct {
	id    uint64
	topic string
	ch    chan Message
	hub   *Hub
	once  sync.Once
}

// C 接收广播的通道，Hub 关闭或取消订阅后被关闭
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub 进程内按主题扇出的广播通道
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]*Subscription
	closed     bool
	bufferSize int

	nextID  atomic.Uint64
	dropped atomic.Int64
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subs:       make(map[string]map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

var _ out.EventBus = (*Hub)(nil)

// Subscribe 订阅主题，topic 为 AllTopics 时接收全部
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:    h.nextID.Inc(),
		topic: topic,
		ch:    make(chan Message, h.bufferSize),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]*Subscription)
	}
	h.subs[topic][sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subs, sub.topic)
	}
	close(sub.ch)
}

// Publish 非阻塞投递，订阅者缓冲区满时丢弃
func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	msg := Message{Topic: topic, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}

	h.deliver(h.subs[topic], msg)
	if topic != AllTopics {
		h.deliver(h.subs[AllTopics], msg)
	}
	return nil
}

func (h *Hub) deliver(subs map[uint64]*Subscription, msg Message) {
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Inc()
			droppedCounter.Inc()
			zap.L().Warn("订阅者缓冲区已满，丢弃广播",
				zap.String("topic", msg.Topic),
				zap.Uint64("subscriber", sub.id),
			)
		}
	}
}

// Dropped 累计丢弃数
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Close 关闭所有订阅
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, topic)
	}
}
