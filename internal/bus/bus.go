// Package bus provides the Redis-backed task broker carrying the
// routing queue, the per-worker MX queues and the holding queue.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/mailrouter/internal/model"
)

// Common errors
var (
	ErrTaskNotFound = errors.New("bus: task not found")
)

// Task names
const (
	TaskRouteEnvelope = "route_envelope"
	TaskSendEmail     = "send_email"
)

// Task is one queued unit of work. The payload mirrors the routing and
// MX queue message shapes.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Identifier string            `json:"identifier"`
	Headers    map[string]string `json:"headers"`
	Attempts   int               `json:"attempts"`
	NotBefore  *time.Time        `json:"not_before,omitempty"`
	Reply      *model.Reply      `json:"reply,omitempty"`
	Token      string            `json:"token,omitempty"`
	Retries    int               `json:"retries"` // broker-level autoretry count
	EnqueuedAt time.Time         `json:"enqueued_at"`
	ETA        time.Time         `json:"eta"`
}

// Config configures the bus.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix is the key prefix for all broker keys.
	Prefix string
}

// DefaultConfig returns default bus configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL: "redis://localhost:6379/0",
		Prefix:   "mailrouter",
	}
}

// Bus is a Redis-backed task broker with delayed delivery.
type Bus struct {
	client *redis.Client
	config Config
}

// New connects to Redis and returns a Bus.
func New(cfg Config) (*Bus, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.PoolSize = 10

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Bus{client: client, config: cfg}, nil
}

// NewFromClient wraps an existing client; tests use this with miniredis.
func NewFromClient(client *redis.Client, cfg Config) *Bus {
	return &Bus{client: client, config: cfg}
}

// Key helpers
func (b *Bus) queueKey(name string) string      { return b.config.Prefix + ":queue:" + name }
func (b *Bus) processingKey(name string) string { return b.config.Prefix + ":processing:" + name }
func (b *Bus) taskKey(id string) string         { return b.config.Prefix + ":task:" + id }
func (b *Bus) controlChannel() string           { return b.config.Prefix + ":control" }
func (b *Bus) pongKey(nonce string) string      { return b.config.Prefix + ":pong:" + nonce }

// Enqueue schedules a task on the named queue after the given delay.
func (b *Bus) Enqueue(ctx context.Context, queue string, task *Task, delay time.Duration) error {
	if task == nil {
		return errors.New("bus: task is nil")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	task.ETA = now.Add(delay)

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.taskKey(task.ID), data, 0)
	pipe.ZAdd(ctx, b.queueKey(queue), redis.Z{
		Score:  float64(task.ETA.UnixNano()),
		Member: task.ID,
	})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Dequeue retrieves the next ready task from the named queue, moving it
// to the processing set. Returns nil when no task is ready.
func (b *Bus) Dequeue(ctx context.Context, queue string) (*Task, error) {
	now := float64(time.Now().UnixNano())

	results, err := b.client.ZRangeByScoreWithScores(ctx, b.queueKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	taskID := results[0].Member.(string)

	// Atomically move to the processing set
	pipe := b.client.TxPipeline()
	removed := pipe.ZRem(ctx, b.queueKey(queue), taskID)
	pipe.SAdd(ctx, b.processingKey(queue), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to move task to processing: %w", err)
	}
	if removed.Val() == 0 {
		// Another consumer won the race
		b.client.SRem(ctx, b.processingKey(queue), taskID)
		return nil, nil
	}

	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		// Put it back if we can't read the payload
		rollback := b.client.TxPipeline()
		rollback.SRem(ctx, b.processingKey(queue), taskID)
		rollback.ZAdd(ctx, b.queueKey(queue), redis.Z{Score: results[0].Score, Member: taskID})
		rollback.Exec(ctx)
		return nil, err
	}
	return task, nil
}

// Ack removes a completed task from the processing set and drops its
// payload.
func (b *Bus) Ack(ctx context.Context, queue string, task *Task) error {
	pipe := b.client.TxPipeline()
	pipe.SRem(ctx, b.processingKey(queue), task.ID)
	pipe.Del(ctx, b.taskKey(task.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack reschedules a failed task on the same queue after the given
// delay, bumping its broker-level retry count.
func (b *Bus) Nack(ctx context.Context, queue string, task *Task, delay time.Duration) error {
	task.Retries++
	if err := b.client.SRem(ctx, b.processingKey(queue), task.ID).Err(); err != nil {
		return err
	}
	return b.Enqueue(ctx, queue, task, delay)
}

// GetTask retrieves a task payload by ID.
func (b *Bus) GetTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := b.client.Get(ctx, b.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// Size returns the number of tasks scheduled on the named queue.
func (b *Bus) Size(ctx context.Context, queue string) (int64, error) {
	return b.client.ZCard(ctx, b.queueKey(queue)).Result()
}

// Peek returns up to limit tasks scheduled on the named queue without
// consuming them, ordered by ETA.
func (b *Bus) Peek(ctx context.Context, queue string, limit int64) ([]*Task, error) {
	ids, err := b.client.ZRange(ctx, b.queueKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := b.GetTask(ctx, id)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Drain pops every task off the named queue, ready or not, invoking fn
// for each. The loop bound is snapshotted once and admits at most one
// task beyond it (count <= size); further tasks enqueued while draining
// wait for the next sweep.
func (b *Bus) Drain(ctx context.Context, queue string, fn func(*Task) error) (int, error) {
	size, err := b.Size(ctx, queue)
	if err != nil {
		return 0, err
	}
	count := 0
	for int64(count) <= size {
		popped, err := b.client.ZPopMin(ctx, b.queueKey(queue), 1).Result()
		if err != nil {
			return count, err
		}
		if len(popped) == 0 {
			return count, nil
		}
		taskID := popped[0].Member.(string)
		task, err := b.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		if err := fn(task); err != nil {
			return count, err
		}
		b.client.Del(ctx, b.taskKey(taskID))
		count++
	}
	return count, nil
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}
