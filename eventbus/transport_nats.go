package eventbus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

// natsTransport NATS Core 背板，无持久化，离线期间的消息不会补投
type natsTransport struct {
	conn   *nats.Conn
	logger clog.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]context.CancelFunc
}

// NewNATSTransport 基于 NATS 连接器创建背板
func NewNATSTransport(conn connector.NATSConnector, logger clog.Logger) (Transport, error) {
	if conn == nil {
		return nil, xerrors.Wrap(ErrTransportNil, "nats connector is nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &natsTransport{
		conn:   conn.GetClient(),
		logger: logger.With(clog.String("transport", "nats")),
		subs:   make(map[*nats.Subscription]context.CancelFunc),
	}, nil
}

func (t *natsTransport) Name() string { return "nats" }

func (t *natsTransport) Publish(ctx context.Context, channel string, data []byte, headers Headers) error {
	// NATS Core 发布不接受 context，这里只检查是否已取消
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: channel,
		Data:    data,
		Header:  headersToNATS(headers),
	}
	if err := t.conn.PublishMsg(msg); err != nil {
		return xerrors.Wrapf(err, "nats publish to %s", channel)
	}
	return nil
}

func (t *natsTransport) Subscribe(ctx context.Context, channel string, fn MessageHandler) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := t.conn.Subscribe(channel, func(msg *nats.Msg) {
		fn(subCtx, msg.Data, headersFromNATS(msg.Header))
	})
	if err != nil {
		cancel()
		return nil, xerrors.Wrapf(err, "nats subscribe to %s", channel)
	}

	t.mu.Lock()
	t.subs[sub] = cancel
	t.mu.Unlock()

	var once sync.Once
	unsub := func() error {
		var err error
		once.Do(func() {
			cancel()
			t.mu.Lock()
			delete(t.subs, sub)
			t.mu.Unlock()
			err = sub.Unsubscribe()
		})
		return err
	}
	go func() {
		<-subCtx.Done()
		if err := unsub(); err != nil && !xerrors.Is(err, nats.ErrConnectionClosed) {
			t.logger.Debug("nats unsubscribe failed", clog.String("channel", channel), clog.Error(err))
		}
	}()
	return unsub, nil
}

func (t *natsTransport) Close() error {
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

func headersToNATS(h Headers) nats.Header {
	if len(h) == 0 {
		return nil
	}
	nh := make(nats.Header, len(h))
	for k, v := range h {
		nh.Set(k, v)
	}
	return nh
}

func headersFromNATS(nh nats.Header) Headers {
	if len(nh) == 0 {
		return nil
	}
	h := make(Headers, len(nh))
	for k, v := range nh {
		if len(v) > 0 {
			h[k] = v[0]
		}
	}
	return h
}
