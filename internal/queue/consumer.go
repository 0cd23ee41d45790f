package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/image-resizer/internal/metrics"
	"github.com/timkrebs/image-resizer/internal/models"
)

// ErrMalformedMessage marks a stream entry that cannot be turned into a job.
// The returned Message still carries the entry ID so it can be acknowledged.
var ErrMalformedMessage = errors.New("malformed job message")

// Consumer reads jobs from the Redis stream
type Consumer struct {
	client        *redis.Client
	metrics       *metrics.QueueMetrics
	logger        *slog.Logger
	streamName    string
	consumerGroup string
	consumerName  string
	pollTimeout   time.Duration
	claimIdle     time.Duration
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	StreamName    string
	ConsumerGroup string
	ConsumerName  string
	PollTimeout   time.Duration
	// ClaimIdle is how long another consumer's unacknowledged entry may sit
	// before this consumer takes it over. Zero disables claiming.
	ClaimIdle     time.Duration
}

// NewConsumer creates a new queue consumer
func NewConsumer(client *redis.Client, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:        client,
		logger:        logger,
		streamName:    cfg.StreamName,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
		pollTimeout:   cfg.PollTimeout,
		claimIdle:     cfg.ClaimIdle,
	}
}

// SetMetrics injects metrics collectors into the consumer
func (c *Consumer) SetMetrics(m *metrics.QueueMetrics) {
	c.metrics = m
}

// EnsureGroup creates the consumer group if it doesn't exist
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.streamName, c.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Message represents a message from the queue
type Message struct {
	ID   string
	Job  *models.JobMessage
	Data string
}

// Consume returns the next message for this consumer. Entries delivered
// earlier but never acknowledged come first, then entries other consumers
// left idle for longer than ClaimIdle. A nil message means the poll timed
// out.
func (c *Consumer) Consume(ctx context.Context) (*Message, error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ConsumeDuration.Observe(time.Since(start).Seconds())
		}
	}()

	pending, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{c.streamName, "0"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read pending messages: %w", err)
	}
	if len(pending) > 0 && len(pending[0].Messages) > 0 {
		return c.parseMessage(pending[0].Messages[0])
	}

	if c.claimIdle > 0 {
		claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.streamName,
			Group:    c.consumerGroup,
			Consumer: c.consumerName,
			MinIdle:  c.claimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to claim idle messages: %w", err)
		}
		if len(claimed) > 0 {
			c.logger.Info("claimed idle message", "message_id", claimed[0].ID)
			return c.parseMessage(claimed[0])
		}
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{c.streamName, ">"},
		Count:    1,
		Block:    c.pollTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return c.parseMessage(streams[0].Messages[0])
}

func (c *Consumer) parseMessage(redisMsg redis.XMessage) (*Message, error) {
	msg := &Message{ID: redisMsg.ID}

	data, ok := redisMsg.Values["data"].(string)
	if !ok {
		return msg, fmt.Errorf("%w: missing data field", ErrMalformedMessage)
	}
	msg.Data = data

	var jobMsg models.JobMessage
	if err := json.Unmarshal([]byte(data), &jobMsg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if jobMsg.Kind == "" {
		jobMsg.Kind = models.JobKindImage
	}
	msg.Job = &jobMsg

	if c.metrics != nil {
		c.metrics.MessagesConsumed.Inc()
	}
	return msg, nil
}

// Acknowledge marks a message as processed
func (c *Consumer) Acknowledge(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.streamName, c.consumerGroup, messageID).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	return nil
}

// Reject acknowledges a message that could not be handled and counts it
func (c *Consumer) Reject(ctx context.Context, messageID string, reason error) error {
	if c.metrics != nil {
		c.metrics.MessagesFailed.Inc()
	}
	c.logger.Warn("dropping queue message", "message_id", messageID, "reason", reason)
	return c.Acknowledge(ctx, messageID)
}

// GetPendingCount returns the number of pending messages in the consumer group
func (c *Consumer) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := c.client.XPending(ctx, c.streamName, c.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}
