package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

// redisEnvelope Redis Pub/Sub 没有消息头，头与负载一起编码
type redisEnvelope struct {
	Headers Headers `json:"headers,omitempty"`
	Payload []byte  `json:"payload"`
}

// redisTransport Redis Pub/Sub 背板
type redisTransport struct {
	client *redis.Client
	logger clog.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]context.CancelFunc
}

// NewRedisTransport 基于 Redis 连接器创建背板
func NewRedisTransport(conn connector.RedisConnector, logger clog.Logger) (Transport, error) {
	if conn == nil {
		return nil, xerrors.Wrap(ErrTransportNil, "redis connector is nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &redisTransport{
		client: conn.GetClient(),
		logger: logger.With(clog.String("transport", "redis")),
		subs:   make(map[*redis.PubSub]context.CancelFunc),
	}, nil
}

func (t *redisTransport) Name() string { return "redis" }

func (t *redisTransport) Publish(ctx context.Context, channel string, data []byte, headers Headers) error {
	body, err := json.Marshal(redisEnvelope{Headers: headers, Payload: data})
	if err != nil {
		return xerrors.Wrap(err, "marshal redis envelope")
	}
	if err := t.client.Publish(ctx, channel, body).Err(); err != nil {
		return xerrors.Wrapf(err, "redis publish to %s", channel)
	}
	return nil
}

func (t *redisTransport) Subscribe(ctx context.Context, channel string, fn MessageHandler) (Unsubscribe, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	// 等待订阅确认，保证返回后发布的消息不会丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, xerrors.Wrapf(err, "redis subscribe to %s", channel)
	}

	subCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.subs[pubsub] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.subs, pubsub)
			t.mu.Unlock()
			_ = pubsub.Close()
		}()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env redisEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					t.logger.Warn("dropping malformed redis message",
						clog.String("channel", channel),
						clog.Error(err))
					continue
				}
				fn(subCtx, env.Payload, env.Headers)
			}
		}
	}()

	return func() error {
		cancel()
		return nil
	}, nil
}

func (t *redisTransport) Close() error {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.subs))
	for _, c := range t.subs {
		cancels = append(cancels, c)
	}
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}
