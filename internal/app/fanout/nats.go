package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/retry"
)

const (
	// NATSSubjectPrefix prefixes the per-room subject.
	NATSSubjectPrefix = "messages."

	// NATSWildcard matches every room subject.
	NATSWildcard = NATSSubjectPrefix + "*"

	natsFlushTimeout = 5 * time.Second
)

// NATSSubject returns the subject of a room.
func NATSSubject(code string) string {
	return NATSSubjectPrefix + code
}

// DialNATS connects to url with unbounded reconnects. Subscriptions survive reconnects.
func DialNATS(url, name string) (*nats.Conn, error) {
	logger := logx.Component("fanout.nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS.")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS.")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSBus is a Bus over core NATS subjects.
type NATSBus struct {
	nc     *nats.Conn
	policy retry.Policy

	mu   sync.Mutex
	subs []*nats.Subscription

	logger zerolog.Logger
}

// NewNATSBus wraps nc. Publishes are retried according to policy.
func NewNATSBus(nc *nats.Conn, policy retry.Policy) *NATSBus {
	return &NATSBus{
		nc:     nc,
		policy: policy,
		logger: logx.Component("fanout.nats"),
	}
}

func (b *NATSBus) Publish(ctx context.Context, evt Event) error {
	data, err := evt.marshalBus()
	if err != nil {
		return err
	}

	subject := NATSSubject(evt.RoomCode)
	err = b.policy.Do(ctx, func(ctx context.Context) error {
		if err := b.nc.Publish(subject, data); err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return err
			}
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("room_code", evt.RoomCode).Str("type", string(evt.Type)).Msg("Publish failed after retries.")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *NATSBus) SubscribeAll(ctx context.Context, handler Handler) error {
	sub, err := b.nc.Subscribe(NATSWildcard, func(m *nats.Msg) {
		evt, err := Decode(m.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping malformed event.")
			return
		}
		evt.RoomCode = strings.TrimPrefix(m.Subject, NATSSubjectPrefix)
		handler(evt)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", NATSWildcard, err)
	}
	if err := b.nc.FlushTimeout(natsFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	b.logger.Info().Str("subject", NATSWildcard).Msg("Subscribed to room subjects.")
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}
