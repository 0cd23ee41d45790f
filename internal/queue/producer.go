package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/image-resizer/internal/metrics"
	"github.com/timkrebs/image-resizer/internal/models"
)

// Producer publishes resize jobs to the Redis stream
type Producer struct {
	client     *redis.Client
	metrics    *metrics.QueueMetrics
	streamName string
	maxLen     int64
}

// NewProducer creates a new queue producer. A positive maxLen caps the
// stream approximately at that many entries.
func NewProducer(client *redis.Client, streamName string, maxLen int64) *Producer {
	return &Producer{
		client:     client,
		streamName: streamName,
		maxLen:     maxLen,
	}
}

// SetMetrics injects metrics collectors into the producer
func (p *Producer) SetMetrics(m *metrics.QueueMetrics) {
	p.metrics = m
}

// Enqueue adds a job to the stream and returns its stream entry ID
func (p *Producer) Enqueue(ctx context.Context, msg *models.JobMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job message: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.streamName,
		Values: map[string]interface{}{
			"data": string(data),
			"kind": string(msg.Kind),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		if p.metrics != nil {
			p.metrics.MessagesFailed.Inc()
		}
		return "", fmt.Errorf("failed to add to stream: %w", err)
	}
	if p.metrics != nil {
		p.metrics.MessagesProduced.Inc()
	}

	return id, nil
}

// GetStreamLength returns the current length of the stream
func (p *Producer) GetStreamLength(ctx context.Context) (int64, error) {
	return p.client.XLen(ctx, p.streamName).Result()
}

// GetStats returns queue statistics
func (p *Producer) GetStats(ctx context.Context, consumerGroup string) (*models.QueueStats, error) {
	stats := &models.QueueStats{}

	length, err := p.GetStreamLength(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream length: %w", err)
	}
	stats.StreamLength = length
	if p.metrics != nil {
		p.metrics.Depth.Set(float64(length))
	}

	// the group does not exist until the first worker starts
	pending, err := p.client.XPending(ctx, p.streamName, consumerGroup).Result()
	if err == nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}

	return stats, nil
}
