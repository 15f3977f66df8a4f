// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/pipeline"
	"comms-rag-go/pkg/database"
	"comms-rag-go/pkg/log"
	"comms-rag-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// BatchProcessor defines the interface for any service that can process a
// change batch. This decouples the Kafka consumer from the concrete pipeline
// implementation.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch tasks.ChangeBatch) []pipeline.Result
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceChangeBatch 发送一个变更批次到 Kafka。
func ProduceChangeBatch(batch tasks.ChangeBatch) error {
	batchBytes, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	err = producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(batch.BatchID),
			Value: batchBytes,
		},
	)
	return err
}

// StartConsumer 启动一个 Kafka 消费者来处理变更批次。
func StartConsumer(cfg config.KafkaConfig, processor BatchProcessor) {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "comms-rag-go-consumer"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break // 退出循环，可能需要重启策略
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		var batch tasks.ChangeBatch
		if err := json.Unmarshal(m.Value, &batch); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("开始处理变更批次: BatchID=%s, 消息数=%d", batch.BatchID, len(batch.Messages))
		// 同步处理批次，逐条隔离失败
		results := processor.ProcessBatch(context.Background(), batch)
		failed := 0
		for _, res := range results {
			if res.Outcome == pipeline.OutcomeFailed {
				failed++
				log.Errorf("批次内消息处理失败: BatchID=%s, MessageID=%s, Error: %v", batch.BatchID, res.MessageID, res.Err)
			}
		}

		attemptsKey := fmt.Sprintf("kafka:attempts:%s", batch.BatchID)
		if failed > 0 {
			log.Errorf("变更批次部分失败: BatchID=%s, 失败 %d/%d", batch.BatchID, failed, len(results))
			// 使用 Redis 计数失败次数，达到阈值后提交 offset 终止重试。
			// 重投递对已成功的消息是幂等的，去重记录会直接跳过它们。
			attempts, incErr := database.RDB.Incr(context.Background(), attemptsKey).Result()
			if incErr == nil {
				_ = database.RDB.Expire(context.Background(), attemptsKey, 24*time.Hour).Err()
			}
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			if attempts >= 3 {
				log.Errorf("变更批次多次失败(>=3)，提交 offset 终止重试: BatchID=%s", batch.BatchID)
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
			// attempts < 3 时，不提交 offset 让 Kafka 自动重试
		} else {
			log.Infof("变更批次处理成功: BatchID=%s, 消息数=%d", batch.BatchID, len(results))
			// 清理失败计数
			_ = database.RDB.Del(context.Background(), attemptsKey).Err()
			// 批次处理成功后，手动提交 offset
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
