// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"imob-leads-go/internal/config"
	"imob-leads-go/pkg/log"
	"imob-leads-go/pkg/tasks"
)

// MaxAttempts 是同一条线索的最大处理次数，达到后提交 offset 放弃重试。
const MaxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.LeadRetryTask) error
}

// Publisher 发送重试任务，服务层通过它把无法落库的线索放进队列。
type Publisher interface {
	PublishLeadRetry(ctx context.Context, task tasks.LeadRetryTask) error
}

// Producer 是基于 kafka.Writer 的 Publisher。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	p := &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}}
	log.Info("Kafka 生产者初始化成功")
	return p
}

// PublishLeadRetry 发送一个线索重试任务到 Kafka，以 lead_id 作为消息键。
func (p *Producer) PublishLeadRetry(ctx context.Context, task tasks.LeadRetryTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Lead.LeadID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptCounter 记录每条任务的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, id string) (int64, error)
	Reset(ctx context.Context, id string)
}

type redisAttemptCounter struct {
	rdb *redis.Client
}

// NewRedisAttemptCounter 使用 Redis 计数失败次数，计数 24 小时后过期。
func NewRedisAttemptCounter(rdb *redis.Client) AttemptCounter {
	return &redisAttemptCounter{rdb: rdb}
}

func attemptsKey(id string) string {
	return fmt.Sprintf("kafka:attempts:%s", id)
}

func (c *redisAttemptCounter) Incr(ctx context.Context, id string) (int64, error) {
	key := attemptsKey(id)
	attempts, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return attempts, nil
}

func (c *redisAttemptCounter) Reset(ctx context.Context, id string) {
	_ = c.rdb.Del(ctx, attemptsKey(id)).Err()
}

// StartConsumer 启动一个 Kafka 消费者来处理线索重试任务，直到 ctx 结束。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, counter AttemptCounter) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)
		if HandleMessage(ctx, m.Value, processor, counter) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// HandleMessage 处理一条消息并返回是否应当提交 offset。
// 格式错误、处理成功或失败次数达到 MaxAttempts 时提交；其余情况不提交，让 Kafka 重新投递。
func HandleMessage(ctx context.Context, value []byte, processor TaskProcessor, counter AttemptCounter) bool {
	var task tasks.LeadRetryTask
	if err := json.Unmarshal(value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		// 消息格式错误，直接提交，避免阻塞队列
		return true
	}

	id := task.Lead.LeadID
	if err := processor.Process(ctx, task); err != nil {
		log.Errorf("处理线索任务失败: LeadID=%s, Error: %v", id, err)
		attempts, incErr := counter.Incr(ctx, id)
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		if attempts >= MaxAttempts {
			// 记录完整内容，便于人工补录
			log.Errorf("线索任务多次失败(>=%d)，提交 offset 终止重试: %s", MaxAttempts, string(value))
			return true
		}
		return false
	}

	log.Infof("线索任务处理成功: LeadID=%s", id)
	counter.Reset(ctx, id)
	return true
}

func brokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
