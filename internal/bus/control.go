package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Control commands carried on the broadcast channel.
const (
	ControlPing     = "ping"
	ControlShutdown = "shutdown"
)

// controlMessage is one broadcast on the control channel. Dest empty
// means every listener.
type controlMessage struct {
	Command string `json:"command"`
	Dest    string `json:"dest,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// Ping broadcasts a ping and collects the names of the workers that
// answered within the timeout.
func (b *Bus) Ping(ctx context.Context, timeout time.Duration) ([]string, error) {
	nonce := uuid.NewString()
	msg, _ := json.Marshal(controlMessage{Command: ControlPing, Nonce: nonce})
	if err := b.client.Publish(ctx, b.controlChannel(), msg).Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	var names []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return names, nil
		}
		name, err := b.client.BLPop(ctx, remaining, b.pongKey(nonce)).Result()
		if err == redis.Nil {
			return names, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return names, ctx.Err()
			}
			return names, nil
		}
		// BLPop returns [key, value]
		if len(name) == 2 {
			names = append(names, name[1])
		}
	}
}

// Broadcast publishes a control command to the named worker, or to all
// workers when dest is empty.
func (b *Bus) Broadcast(ctx context.Context, command, dest string) error {
	msg, _ := json.Marshal(controlMessage{Command: command, Dest: dest})
	return b.client.Publish(ctx, b.controlChannel(), msg).Err()
}

// Listen subscribes to the control channel on behalf of a named worker,
// answering pings and invoking onShutdown when a shutdown broadcast is
// addressed to this worker. Blocks until the context is done.
func (b *Bus) Listen(ctx context.Context, workerName string, onShutdown func()) error {
	sub := b.client.Subscribe(ctx, b.controlChannel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			var msg controlMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				continue
			}
			if msg.Dest != "" && msg.Dest != workerName {
				continue
			}
			switch msg.Command {
			case ControlPing:
				pipe := b.client.TxPipeline()
				pipe.RPush(ctx, b.pongKey(msg.Nonce), workerName)
				pipe.Expire(ctx, b.pongKey(msg.Nonce), time.Minute)
				pipe.Exec(ctx)
			case ControlShutdown:
				if onShutdown != nil {
					onShutdown()
				}
			}
		}
	}
}
