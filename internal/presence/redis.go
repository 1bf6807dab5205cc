package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix   = "presence:"
	defaultTTL  = 30 * time.Second
	syncMessage = "sync"
)

// RedisTransport keeps each room's state in a hash with one field per
// session. Every session also holds a lease key that expires when the
// session stops refreshing it; live sessions prune fields whose lease is
// gone, which is how a dropped connection leaves the room.
type RedisTransport struct {
	client *redis.Client
	log    logrus.FieldLogger
	ttl    time.Duration
}

func NewRedisTransport(client *redis.Client, log logrus.FieldLogger) *RedisTransport {
	return &RedisTransport{client: client, log: log, ttl: defaultTTL}
}

// WithLeaseTTL sets how long a silent session stays in the room.
func (t *RedisTransport) WithLeaseTTL(ttl time.Duration) *RedisTransport {
	t.ttl = ttl
	return t
}

func stateKey(room string) string    { return keyPrefix + room }
func syncChannel(room string) string { return keyPrefix + room + ":sync" }
func leaseKey(room, field string) string {
	return keyPrefix + room + ":lease:" + field
}

func (t *RedisTransport) Open(ctx context.Context, room, key string) (Channel, error) {
	sub := t.client.Subscribe(ctx, syncChannel(room))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", room, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &redisChannel{
		client: t.client,
		log:    t.log.WithField("room", room),
		ttl:    t.ttl,
		room:   room,
		field:  key + ":" + uuid.NewString(),
		sub:    sub,
		syncs:  make(chan struct{}, 1),
		cancel: cancel,
	}
	c.wg.Add(2)
	go c.listen(loopCtx)
	go c.keepalive(loopCtx)
	return c, nil
}

type redisChannel struct {
	client *redis.Client
	log    logrus.FieldLogger
	ttl    time.Duration
	room   string
	field  string
	sub    *redis.PubSub
	syncs  chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func (c *redisChannel) Track(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, stateKey(c.room), c.field, data)
		pipe.Set(ctx, leaseKey(c.room, c.field), 1, c.ttl)
		pipe.Publish(ctx, syncChannel(c.room), syncMessage)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

// State groups the room's sessions by presence key. Within a key sessions
// are ordered by announce time.
func (c *redisChannel) State(ctx context.Context) (map[string][]Payload, error) {
	fields, err := c.client.HGetAll(ctx, stateKey(c.room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	state := make(map[string][]Payload)
	for field, raw := range fields {
		var p Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			c.log.WithError(err).WithField("field", field).Warn("skip malformed presence entry")
			continue
		}
		key := field
		if i := strings.LastIndex(field, ":"); i > 0 {
			key = field[:i]
		}
		state[key] = append(state[key], p)
	}
	for _, payloads := range state {
		sort.SliceStable(payloads, func(i, j int) bool {
			return payloads[i].OnlineAt.Before(payloads[j].OnlineAt)
		})
	}
	return state, nil
}

func (c *redisChannel) Syncs() <-chan struct{} { return c.syncs }

func (c *redisChannel) listen(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.syncs)
	ch := c.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			// coalesce bursts; the reader always fetches the full state
			select {
			case c.syncs <- struct{}{}:
			default:
			}
		}
	}
}

func (c *redisChannel) keepalive(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.client.Expire(ctx, leaseKey(c.room, c.field), c.ttl).Err(); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("refresh presence lease")
			}
			if err := c.prune(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("prune presence")
			}
		}
	}
}

// prune drops sessions whose lease expired and announces the change.
func (c *redisChannel) prune(ctx context.Context) error {
	fields, err := c.client.HKeys(ctx, stateKey(c.room)).Result()
	if err != nil {
		return err
	}
	var stale []string
	for _, field := range fields {
		n, err := c.client.Exists(ctx, leaseKey(c.room, field)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			stale = append(stale, field)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	removed, err := c.client.HDel(ctx, stateKey(c.room), stale...).Result()
	if err != nil {
		return err
	}
	if removed > 0 {
		return c.client.Publish(ctx, syncChannel(c.room), syncMessage).Err()
	}
	return nil
}

// Close untracks the session and unsubscribes. Calling it again is a no-op.
func (c *redisChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, stateKey(c.room), c.field)
			pipe.Del(ctx, leaseKey(c.room, c.field))
			pipe.Publish(ctx, syncChannel(c.room), syncMessage)
			return nil
		})
		if err != nil {
			c.closeErr = fmt.Errorf("untrack presence: %w", err)
		}
		if err := c.sub.Close(); err != nil && c.closeErr == nil {
			c.closeErr = fmt.Errorf("unsubscribe presence: %w", err)
		}
		c.wg.Wait()
	})
	return c.closeErr
}
