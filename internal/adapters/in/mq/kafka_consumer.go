package mq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/ports/in"
)

// KafkaEventConsumer 消费连接事件和集群成员事件
type KafkaEventConsumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	handler       *EventHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaEventConsumer 创建Kafka事件消费者
func NewKafkaEventConsumer(brokers []string, groupID string, topics Topics, presence in.PresenceUseCase) (*KafkaEventConsumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaEventConsumerWithGroup(consumerGroup, topics, presence), nil
}

// NewKafkaEventConsumerWithGroup 使用已有的消费组
func NewKafkaEventConsumerWithGroup(group sarama.ConsumerGroup, topics Topics, presence in.PresenceUseCase) *KafkaEventConsumer {
	topics = topics.withDefaults()
	return &KafkaEventConsumer{
		consumerGroup: group,
		topics:        []string{topics.Connection, topics.Cluster},
		handler:       NewEventHandler(presence, topics),
	}
}

// Start 启动消费，等待首次分配完成或 ctx 结束
func (c *KafkaEventConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	ready := make(chan struct{})
	var once sync.Once
	gh := &consumerGroupHandler{
		handler: c.handler,
		ready: func() {
			once.Do(func() { close(ready) })
		},
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, gh); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				zap.L().Error("Kafka consume failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				zap.L().Warn("Kafka consumer error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-ready:
		zap.L().Info("Kafka consumer is ready", zap.Strings("topics", c.topics))
	case <-ctx.Done():
	}
	return nil
}

// Stop 停止消费
func (c *KafkaEventConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.consumerGroup.Close()
	c.wg.Wait()
	return err
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	handler *EventHandler
	ready   func()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.ready()
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handler.Handle(session.Context(), message.Topic, message.Value); err != nil {
				zap.L().Warn("handle presence event failed",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
			}
			// 事件都是幂等的，失败也提交，避免卡住分区
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
