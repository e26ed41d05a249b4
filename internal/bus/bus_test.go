package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailrouter/internal/model"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client, Config{Prefix: "mailrouter"})
}

func TestBus_EnqueueDequeue(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	task := &Task{
		Name:       TaskRouteEnvelope,
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
	}
	require.NoError(t, b.Enqueue(ctx, "routing", task, 0))
	require.NotEmpty(t, task.ID)

	got, err := b.Dequeue(ctx, "routing")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "0001", got.Identifier)
	require.Equal(t, TaskRouteEnvelope, got.Name)
	require.Equal(t, "test@example.com", got.Headers["To"])

	// Queue is empty now
	got, err = b.Dequeue(ctx, "routing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBus_DelayedTaskNotReady(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "routing", &Task{
		Name:       TaskRouteEnvelope,
		Identifier: "0001",
	}, time.Hour))

	got, err := b.Dequeue(ctx, "routing")
	require.NoError(t, err)
	require.Nil(t, got)

	size, err := b.Size(ctx, "routing")
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

func TestBus_TaskPayloadRoundTrip(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	notBefore := time.Date(2015, 12, 10, 12, 0, 0, 0, time.UTC)
	task := &Task{
		Name:       TaskSendEmail,
		Identifier: "0002",
		Headers:    map[string]string{"To": "b@example.com", "From": "a@example.com"},
		Attempts:   3,
		NotBefore:  &notBefore,
		Reply:      &model.Reply{Code: "450", EnhancedStatusCode: "4.2.0", Message: "Greylisted"},
		Token:      "tok-1",
	}
	require.NoError(t, b.Enqueue(ctx, "mx", task, 0))

	got, err := b.Dequeue(ctx, "mx")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, "tok-1", got.Token)
	require.NotNil(t, got.NotBefore)
	require.True(t, got.NotBefore.Equal(notBefore))
	require.Equal(t, "Greylisted", got.Reply.Message)
}

func TestBus_AckRemovesTask(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	task := &Task{Name: TaskRouteEnvelope, Identifier: "0001"}
	require.NoError(t, b.Enqueue(ctx, "routing", task, 0))
	got, err := b.Dequeue(ctx, "routing")
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, "routing", got))

	_, err = b.GetTask(ctx, got.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestBus_NackReschedules(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	task := &Task{Name: TaskRouteEnvelope, Identifier: "0001"}
	require.NoError(t, b.Enqueue(ctx, "routing", task, 0))
	got, err := b.Dequeue(ctx, "routing")
	require.NoError(t, err)

	require.NoError(t, b.Nack(ctx, "routing", got, time.Hour))

	// Back on the queue, not ready yet, retry count bumped.
	ready, err := b.Dequeue(ctx, "routing")
	require.NoError(t, err)
	require.Nil(t, ready)

	stored, err := b.GetTask(ctx, got.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Retries)
}

func TestBus_DrainRepublishes(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	// Three tasks, one of them delayed far into the future: Drain moves
	// scheduled tasks too.
	for i, delay := range []time.Duration{0, 0, time.Hour} {
		require.NoError(t, b.Enqueue(ctx, "disabled", &Task{
			Name:       TaskSendEmail,
			Identifier: string(rune('a' + i)),
		}, delay))
	}

	var drained []string
	count, err := b.Drain(ctx, "disabled", func(task *Task) error {
		drained = append(drained, task.Identifier)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Len(t, drained, 3)

	size, err := b.Size(ctx, "disabled")
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestBus_SizeAndPeek(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "q", &Task{Name: TaskSendEmail, Identifier: "0001"}, time.Minute))
	require.NoError(t, b.Enqueue(ctx, "q", &Task{Name: TaskSendEmail, Identifier: "0002"}, 2*time.Minute))

	size, err := b.Size(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, int64(2), size)

	tasks, err := b.Peek(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "0001", tasks[0].Identifier)
	require.Equal(t, "0002", tasks[1].Identifier)
}
