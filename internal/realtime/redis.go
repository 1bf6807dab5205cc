package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "realtime:"

// RedisTransport carries change events over Redis pub/sub.
type RedisTransport struct {
	client *redis.Client
	log    logrus.FieldLogger
	retry  time.Duration
}

func NewRedisTransport(client *redis.Client, log logrus.FieldLogger) *RedisTransport {
	return &RedisTransport{client: client, log: log, retry: time.Second}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := t.client.Publish(ctx, channelPrefix+topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published after it returns are delivered.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (<-chan ChangeEvent, error) {
	name := channelPrefix + topic
	sub := t.client.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	out := make(chan ChangeEvent, 16)
	go t.pump(ctx, name, sub, out)
	return out, nil
}

func (t *RedisTransport) pump(ctx context.Context, name string, sub *redis.PubSub, out chan<- ChangeEvent) {
	defer close(out)
	log := t.log.WithField("channel", name)
	for {
		t.forward(ctx, log, sub, out)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.retry):
		}
		sub = t.client.Subscribe(ctx, name)
	}
}

func (t *RedisTransport) forward(ctx context.Context, log logrus.FieldLogger, sub *redis.PubSub, out chan<- ChangeEvent) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.WithError(err).Error("unable to parse change event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
