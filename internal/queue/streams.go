package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/inkwellhq/inkwell/internal/jobs"
)

// StreamsConfig configures the Redis Streams queue. Zero values fall back to
// the defaults below.
type StreamsConfig struct {
	Stream      string
	Group       string
	Consumer    string
	DLQStream   string
	ScheduleKey string

	// MaxAttempts is the handler failure budget before dead-lettering.
	MaxAttempts int
	// Visibility is how long a delivery may sit unacknowledged before
	// another consumer may claim it.
	Visibility time.Duration
	// RetryDelay is the base delay between handler retries; attempt N waits
	// N times this long.
	RetryDelay time.Duration

	ReadCount int64
	Block     time.Duration
}

func (c *StreamsConfig) setDefaults() {
	if c.Stream == "" {
		c.Stream = "inkwell:jobs"
	}
	if c.Group == "" {
		c.Group = "inkwell:workers"
	}
	if c.Consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		c.Consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.DLQStream == "" {
		c.DLQStream = c.Stream + ":dead"
	}
	if c.ScheduleKey == "" {
		c.ScheduleKey = c.Stream + ":scheduled"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
}

// StreamsQueue is the durable Queue backed by Redis Streams. Deliveries sit
// in the consumer group's pending list until acknowledged; a delivery left
// pending past the visibility window is reclaimed with XAUTOCLAIM, which is
// what makes processing survive a worker crash. Delayed messages wait in a
// sorted set scored by their ready time and are moved onto the stream by the
// consumer loop.
type StreamsQueue struct {
	client *redis.Client
	logger *slog.Logger
	cfg    StreamsConfig
}

// NewStreamsQueue creates the consumer group (from the beginning of the
// stream, so messages enqueued before the first consumer are not lost) and
// returns the queue.
func NewStreamsQueue(ctx context.Context, client *redis.Client, cfg StreamsConfig, logger *slog.Logger) (*StreamsQueue, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &StreamsQueue{
		client: client,
		logger: logger.With("component", "queue", "backend", "streams", "consumer", cfg.Consumer),
		cfg:    cfg,
	}, nil
}

// Enqueue appends the message to the stream.
func (q *StreamsQueue) Enqueue(ctx context.Context, msg *Message) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: messageValues(msg),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// EnqueueAfter parks the message in the schedule set until its ready time.
func (q *StreamsQueue) EnqueueAfter(ctx context.Context, msg *Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.cfg.ScheduleKey, redis.Z{Score: readyAt, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}
	return nil
}

// Consume reads deliveries until ctx is cancelled. Each loop iteration moves
// due scheduled messages onto the stream, reclaims deliveries whose consumer
// went quiet, then blocks briefly on new entries.
func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	q.logger.Info("consuming", "stream", q.cfg.Stream, "group", q.cfg.Group)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := q.moveDue(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("failed to move scheduled messages", "error", err)
		}

		if err := q.reclaim(ctx, handler); err != nil && ctx.Err() == nil {
			q.logger.Warn("failed to reclaim pending messages", "error", err)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.ReadCount,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream: %w", err)
		}

		for _, stream := range streams {
			for _, raw := range stream.Messages {
				q.dispatch(ctx, handler, raw)
			}
		}
	}
}

// moveDue shifts scheduled messages whose ready time has passed onto the
// stream.
func (q *StreamsQueue) moveDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.cfg.ScheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			q.logger.Error("dropping undecodable scheduled message", "error", err)
			q.client.ZRem(ctx, q.cfg.ScheduleKey, member)
			continue
		}
		if err := q.Enqueue(ctx, &msg); err != nil {
			return err
		}
		if err := q.client.ZRem(ctx, q.cfg.ScheduleKey, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reclaim takes over deliveries that have been pending longer than the
// visibility window and runs them through the handler again.
func (q *StreamsQueue) reclaim(ctx context.Context, handler Handler) error {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.Visibility,
		Start:    "0",
		Count:    q.cfg.ReadCount,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	for _, raw := range claimed {
		q.logger.Info("reclaimed stale delivery", "message_id", raw.ID)
		q.dispatch(ctx, handler, raw)
	}
	return nil
}

func (q *StreamsQueue) dispatch(ctx context.Context, handler Handler, raw redis.XMessage) {
	msg, err := parseStreamMessage(raw)
	if err != nil {
		q.logger.Error("dropping malformed message", "message_id", raw.ID, "error", err)
		q.ackAndDelete(ctx, raw.ID)
		return
	}

	if err := handler(ctx, msg); err != nil {
		q.retry(ctx, msg, err)
	}
	q.ackAndDelete(ctx, raw.ID)
}

// retry schedules the next attempt, or dead-letters the message once the
// attempt budget is spent. The original delivery is acknowledged either way;
// the scheduled copy carries the incremented attempt count.
func (q *StreamsQueue) retry(ctx context.Context, msg *Message, cause error) {
	msg.Attempt++
	if msg.Attempt >= q.cfg.MaxAttempts {
		q.logger.Error("message exhausted attempts, moving to dead letter queue",
			"kind", msg.Kind, "job_id", msg.JobID, "attempts", msg.Attempt, "error", cause)
		values := messageValues(msg)
		values["error"] = cause.Error()
		if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.DLQStream, Values: values}).Err(); err != nil {
			q.logger.Error("failed to dead-letter message", "job_id", msg.JobID, "error", err)
		}
		return
	}

	delay := q.cfg.RetryDelay * time.Duration(msg.Attempt)
	q.logger.Warn("message failed, scheduling retry",
		"kind", msg.Kind, "job_id", msg.JobID, "attempt", msg.Attempt, "delay", delay, "error", cause)
	if err := q.EnqueueAfter(ctx, msg, delay); err != nil {
		q.logger.Error("failed to schedule retry", "job_id", msg.JobID, "error", err)
	}
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		q.logger.Warn("failed to ack message", "message_id", id, "error", err)
	}
	if err := q.client.XDel(ctx, q.cfg.Stream, id).Err(); err != nil {
		q.logger.Warn("failed to delete message", "message_id", id, "error", err)
	}
}

// DLQSize returns the dead letter stream length.
func (q *StreamsQueue) DLQSize(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.cfg.DLQStream).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// Close closes the underlying Redis client.
func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func messageValues(msg *Message) map[string]interface{} {
	return map[string]interface{}{
		"kind":         string(msg.Kind),
		"job_id":       msg.JobID,
		"prompt_index": strconv.Itoa(msg.PromptIndex),
		"attempt":      strconv.Itoa(msg.Attempt),
		"enqueued_at":  msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(raw redis.XMessage) (*Message, error) {
	kind := getString(raw.Values, "kind")
	jobID := getString(raw.Values, "job_id")
	if kind == "" || jobID == "" {
		return nil, fmt.Errorf("message %s missing kind or job_id", raw.ID)
	}

	msg := &Message{
		ID:    raw.ID,
		Kind:  jobs.Kind(kind),
		JobID: jobID,
	}
	if v := getString(raw.Values, "prompt_index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("message %s has bad prompt_index: %w", raw.ID, err)
		}
		msg.PromptIndex = n
	}
	if v := getString(raw.Values, "attempt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("message %s has bad attempt: %w", raw.ID, err)
		}
		msg.Attempt = n
	}
	if v := getString(raw.Values, "enqueued_at"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.EnqueuedAt = t
		}
	}
	return msg, nil
}

func getString(values map[string]interface{}, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

var _ Queue = (*StreamsQueue)(nil)
