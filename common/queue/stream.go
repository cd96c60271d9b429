package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/noetl/noetl/common/logger"
	"github.com/redis/go-redis/v9"
)

// StreamQueue delivers messages over Redis streams with consumer groups, so
// multiple worker processes can share one execution queue.
type StreamQueue struct {
	redis    *redis.Client
	group    string
	consumer string
	log      *logger.Logger
}

// NewStreamQueue creates a queue backed by Redis streams
func NewStreamQueue(client *redis.Client, group, consumerName string, log *logger.Logger) *StreamQueue {
	if consumerName == "" {
		consumerName = fmt.Sprintf("worker_%s", uuid.New().String()[:8])
	}
	return &StreamQueue{
		redis:    client,
		group:    group,
		consumer: consumerName,
		log:      log,
	}
}

// Publish appends a message to the stream
func (q *StreamQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":   key,
			"value": string(message),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", topic, err)
	}
	q.log.Debug("published message", "topic", topic, "key", key)
	return nil
}

// Subscribe consumes messages from the stream via XREADGROUP until ctx is done
func (q *StreamQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if err := q.redis.XGroupCreateMkStream(ctx, topic, q.group, "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	q.log.Info("subscribing to stream",
		"stream", topic,
		"group", q.group,
		"consumer", q.consumer)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("stream subscription cancelled", "stream", topic)
				return
			default:
			}

			streams, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  []string{topic, ">"},
				Count:    1,
				Block:    5 * time.Second,
			}).Result()

			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Error("XREADGROUP error", "stream", topic, "error", err)
				time.Sleep(1 * time.Second)
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					key, _ := message.Values["key"].(string)
					value, _ := message.Values["value"].(string)

					if err := handler(ctx, key, []byte(value)); err != nil {
						q.log.Error("message handler error",
							"stream", topic,
							"message_id", message.ID,
							"error", err)
					}

					if err := q.redis.XAck(ctx, topic, q.group, message.ID).Err(); err != nil {
						q.log.Error("failed to ACK message", "message_id", message.ID, "error", err)
					}
				}
			}
		}
	}()

	return nil
}

// Close closes the underlying Redis client
func (q *StreamQueue) Close() error {
	return q.redis.Close()
}
