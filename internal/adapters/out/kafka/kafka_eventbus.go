package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/out"
)

// ErrBusClosed 事件总线已关闭
var ErrBusClosed = errors.New("kafka event bus closed")

// KafkaEventBus 用 Sarama 异步生产者实现 EventBus，将广播写入 Kafka
// Publish 只等待消息进入发送队列，投递结果在后台消费
type KafkaEventBus struct {
	producer sarama.AsyncProducer
	// 内部主题 -> Kafka topic，未配置时原样使用
	topics map[string]string

	closed atomic.Bool
	sent   atomic.Int64
	failed atomic.Int64
	wg     sync.WaitGroup
}

// NewProducerConfig 生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 10 * time.Second
	// 同一用户的状态变更落在同一分区，保证顺序
	config.Producer.Partitioner = sarama.NewHashPartitioner
	return config
}

// NewKafkaEventBus 创建Kafka事件总线
func NewKafkaEventBus(brokers []string, topics map[string]string) (*KafkaEventBus, error) {
	producer, err := sarama.NewAsyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaEventBusWithProducer(producer, topics), nil
}

// NewKafkaEventBusWithProducer 使用已有的生产者，生产者需开启 Return.Successes 和 Return.Errors
func NewKafkaEventBusWithProducer(producer sarama.AsyncProducer, topics map[string]string) *KafkaEventBus {
	if topics == nil {
		topics = map[string]string{}
	}
	k := &KafkaEventBus{producer: producer, topics: topics}
	k.wg.Add(2)
	go k.drainSuccesses()
	go k.drainErrors()
	return k
}

func (k *KafkaEventBus) drainSuccesses() {
	defer k.wg.Done()
	for msg := range k.producer.Successes() {
		k.sent.Inc()
		zap.L().Debug("Kafka Publish 成功",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
	}
}

func (k *KafkaEventBus) drainErrors() {
	defer k.wg.Done()
	for perr := range k.producer.Errors() {
		k.failed.Inc()
		topic := ""
		if perr.Msg != nil {
			topic = perr.Msg.Topic
		}
		zap.L().Warn("Kafka Publish 失败",
			zap.String("topic", topic),
			zap.Error(perr.Err),
		)
	}
}

// Sent 已确认投递的消息数
func (k *KafkaEventBus) Sent() int64 { return k.sent.Load() }

// Failed 投递失败的消息数
func (k *KafkaEventBus) Failed() int64 { return k.failed.Load() }

var _ out.EventBus = (*KafkaEventBus)(nil)

func (k *KafkaEventBus) Publish(ctx context.Context, topic string, payload any) error {
	if k.closed.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s event failed: %w", topic, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event failed: %w", topic, err)
	}

	kafkaTopic := topic
	if t, ok := k.topics[topic]; ok && t != "" {
		kafkaTopic = t
	}

	msg := &sarama.ProducerMessage{
		Topic: kafkaTopic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(topic)},
			{Key: []byte("timestamp"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}
	if key := partitionKey(payload); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	// 发送队列满时最多等到 ctx 结束
	select {
	case k.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s event failed: %w", topic, ctx.Err())
	}
}

// partitionKey 按用户分区
func partitionKey(payload any) string {
	switch p := payload.(type) {
	case *entity.StatusEvent:
		if p != nil {
			return p.User.ID
		}
	case entity.StatusEvent:
		return p.User.ID
	}
	return ""
}

// Close 等待已入队的消息发送完毕后关闭
func (k *KafkaEventBus) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	// 由后台协程消费剩余结果，直到两个通道关闭
	k.producer.AsyncClose()
	k.wg.Wait()
	return nil
}
