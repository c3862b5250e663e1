package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/retry"
)

const (
	// RedisTopicPrefix prefixes the per-room channel.
	RedisTopicPrefix = "messages:"

	// RedisPattern matches every room channel.
	RedisPattern = RedisTopicPrefix + "*"

	redisChannelSize = 1024
)

// RedisTopic returns the channel of a room.
func RedisTopic(code string) string {
	return RedisTopicPrefix + code
}

// DialRedis parses url, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisBus is a Bus over Redis pub/sub. go-redis resubscribes the pattern after reconnects.
type RedisBus struct {
	client *redis.Client
	policy retry.Policy

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	wg      sync.WaitGroup

	logger zerolog.Logger
}

// NewRedisBus wraps client. Publishes are retried according to policy.
func NewRedisBus(client *redis.Client, policy retry.Policy) *RedisBus {
	return &RedisBus{
		client: client,
		policy: policy,
		logger: logx.Component("fanout.redis"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	data, err := evt.marshalBus()
	if err != nil {
		return err
	}

	topic := RedisTopic(evt.RoomCode)
	err = b.policy.Do(ctx, func(ctx context.Context) error {
		return retry.Retryable(b.client.Publish(ctx, topic, data).Err())
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("room_code", evt.RoomCode).Str("type", string(evt.Type)).Msg("Publish failed after retries.")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBus) SubscribeAll(ctx context.Context, handler Handler) error {
	ps := b.client.PSubscribe(ctx, RedisPattern)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", RedisPattern, err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, ps)
	b.mu.Unlock()

	ch := ps.Channel(redis.WithChannelSize(redisChannelSize))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ps.Close()

		b.logger.Info().Str("pattern", RedisPattern).Msg("Subscribed to room channels.")

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				evt, err := Decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed event.")
					continue
				}
				evt.RoomCode = strings.TrimPrefix(msg.Channel, RedisTopicPrefix)
				handler(evt)
			}
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsubs := b.pubsubs
	b.pubsubs = nil
	b.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}
