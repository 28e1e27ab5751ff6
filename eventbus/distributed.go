package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/trace"
	"github.com/ceyewan/controlplane/xerrors"
)

// ReplyHandler 请求/应答模式的处理函数，返回值编码为 JSON 作为应答
type ReplyHandler func(ctx context.Context, data json.RawMessage) (any, error)

type requestEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	ReplyTo       string          `json:"replyTo"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type responseEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DistributedBus 在 LocalBus 之上叠加背板
//
// Publish 先转发到 events:<type>，再走本地投递；某类型首次订阅时订阅对应频道，
// 把其他进程发布的事件交给本地处理器。背板故障时退化为仅本地投递。
type DistributedBus struct {
	local     *LocalBus
	transport Transport
	origin    string
	logger    clog.Logger
	metrics   *busMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]Unsubscribe // 已订阅的事件频道
	patterns map[string]Unsubscribe
}

// NewDistributed 用背板装饰本地总线
func NewDistributed(local *LocalBus, transport Transport, opts ...Option) (*DistributedBus, error) {
	if local == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "eventbus: local bus is nil")
	}
	if transport == nil {
		return nil, ErrTransportNil
	}
	o := applyOptions(opts)
	if o.origin == "" {
		o.origin = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DistributedBus{
		local:     local,
		transport: transport,
		origin:    o.origin,
		logger:    o.logger.With(clog.String("origin", o.origin)),
		metrics:   local.metrics,
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[string]Unsubscribe),
		patterns:  make(map[string]Unsubscribe),
	}
	local.failurePublisher = d.Publish
	return d, nil
}

// Origin 本进程在背板上的标识
func (d *DistributedBus) Origin() string { return d.origin }

// Local 被装饰的本地总线
func (d *DistributedBus) Local() *LocalBus { return d.local }

// ========================================
// 发布与订阅
// ========================================

func (d *DistributedBus) Publish(ctx context.Context, event DomainEvent) error {
	if d.local.closed.Load() {
		return ErrClosed
	}
	if err := prepare(&event); err != nil {
		return err
	}

	if err := d.forward(ctx, event); err != nil {
		d.metrics.transportErrors.Inc(ctx, metrics.L(metrics.LabelOperation, "publish"))
		d.logger.WarnContext(ctx, "backplane publish failed, delivering locally only",
			clog.String("event_id", event.ID),
			clog.String("event_type", event.Type),
			clog.Error(err))
	}

	d.local.record(ctx, event)
	d.local.dispatch(ctx, event)
	return nil
}

func (d *DistributedBus) forward(ctx context.Context, event DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(err, "marshal event")
	}
	channel := EventChannel(event.Type)
	headers := Headers{HeaderOrigin: d.origin, HeaderEventType: event.Type}
	spanCtx, span := trace.StartProducerSpan(ctx, trace.MessagingMeta{
		System:      d.transport.Name(),
		Destination: channel,
		Operation:   "publish",
	}, headers)
	defer span.End()

	err = d.transport.Publish(spanCtx, channel, data, headers)
	trace.MarkSpanError(span, err)
	return err
}

func (d *DistributedBus) Subscribe(ctx context.Context, eventType string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	sub, err := d.local.Subscribe(ctx, eventType, handler, opts...)
	if err != nil {
		return nil, err
	}
	d.ensureChannel(eventType)
	return sub, nil
}

// ensureChannel 每个类型只订阅一次背板；失败时下次订阅再尝试
func (d *DistributedBus) ensureChannel(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.channels[eventType]; ok {
		return
	}
	channel := EventChannel(eventType)
	unsub, err := d.transport.Subscribe(d.ctx, channel, d.onRemoteEvent)
	if err != nil {
		d.metrics.transportErrors.Inc(d.ctx, metrics.L(metrics.LabelOperation, "subscribe"))
		d.logger.Warn("backplane subscribe failed, receiving local events only",
			clog.String("channel", channel),
			clog.Error(err))
		return
	}
	d.channels[eventType] = unsub
	d.logger.Debug("subscribed to backplane channel", clog.String("channel", channel))
}

// onRemoteEvent 只投递其他进程发布的事件，本进程的事件已在 Publish 时本地投递
func (d *DistributedBus) onRemoteEvent(ctx context.Context, data []byte, headers Headers) {
	if headers[HeaderOrigin] == d.origin {
		return
	}
	var event DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		d.logger.Warn("dropping malformed backplane event", clog.Error(err))
		return
	}
	spanCtx, span := trace.StartConsumerSpan(ctx, trace.MessagingMeta{
		System:      d.transport.Name(),
		Destination: EventChannel(event.Type),
		Operation:   "process",
	}, headers)
	defer span.End()
	d.local.dispatch(spanCtx, event)
}

// ========================================
// 请求/应答
// ========================================

// Handle 在 patterns:<pattern> 上应答请求，同一 pattern 只能注册一次
func (d *DistributedBus) Handle(ctx context.Context, pattern string, fn ReplyHandler) error {
	if fn == nil {
		return ErrHandlerNil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.patterns[pattern]; ok {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "eventbus: pattern %q already handled", pattern)
	}

	unsub, err := d.transport.Subscribe(ctx, PatternChannel(pattern), func(msgCtx context.Context, data []byte, headers Headers) {
		d.reply(msgCtx, pattern, fn, data, headers)
	})
	if err != nil {
		return xerrors.Wrapf(err, "eventbus: handle %s", pattern)
	}
	d.patterns[pattern] = unsub
	return nil
}

func (d *DistributedBus) reply(ctx context.Context, pattern string, fn ReplyHandler, data []byte, headers Headers) {
	var req requestEnvelope
	if err := json.Unmarshal(data, &req); err != nil || req.ReplyTo == "" {
		d.logger.Warn("dropping malformed request", clog.String("pattern", pattern))
		return
	}

	spanCtx, span := trace.StartConsumerSpan(ctx, trace.MessagingMeta{
		System:      d.transport.Name(),
		Destination: PatternChannel(pattern),
		Operation:   "process",
	}, headers)
	defer span.End()

	resp := responseEnvelope{CorrelationID: req.CorrelationID}
	result, err := fn(spanCtx, req.Data)
	if err == nil {
		resp.Data, err = json.Marshal(result)
	}
	if err != nil {
		trace.MarkSpanError(span, err)
		resp.Error = err.Error()
	}

	body, _ := json.Marshal(resp)
	if err := d.transport.Publish(spanCtx, req.ReplyTo, body, Headers{HeaderOrigin: d.origin}); err != nil {
		d.logger.Warn("failed to publish reply",
			clog.String("pattern", pattern),
			clog.String("correlation_id", req.CorrelationID),
			clog.Error(err))
	}
}

// SendMessage 发送请求并等待首个关联应答；超时或 ctx 取消返回 ErrRequestTimeout。
// 只保证尽力投递，没有应答方时同样以超时结束。
func (d *DistributedBus) SendMessage(ctx context.Context, pattern string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = d.local.cfg.RequestTimeout
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, xerrors.Wrap(err, "eventbus: marshal request")
	}

	correlationID := uuid.NewString()
	replyTo := ResponseChannel(correlationID)
	responses := make(chan responseEnvelope, 1)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unsub, err := d.transport.Subscribe(reqCtx, replyTo, func(_ context.Context, body []byte, _ Headers) {
		var resp responseEnvelope
		if json.Unmarshal(body, &resp) != nil || resp.CorrelationID != correlationID {
			return
		}
		select {
		case responses <- resp:
		default:
		}
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "eventbus: subscribe %s", replyTo)
	}
	defer func() { _ = unsub() }()

	body, _ := json.Marshal(requestEnvelope{CorrelationID: correlationID, ReplyTo: replyTo, Data: payload})
	headers := Headers{HeaderOrigin: d.origin}
	spanCtx, span := trace.StartProducerSpan(reqCtx, trace.MessagingMeta{
		System:      d.transport.Name(),
		Destination: PatternChannel(pattern),
		Operation:   "publish",
	}, headers)
	defer span.End()

	if err := d.transport.Publish(spanCtx, PatternChannel(pattern), body, headers); err != nil {
		trace.MarkSpanError(span, err)
		return nil, xerrors.Wrapf(err, "eventbus: send %s", pattern)
	}

	select {
	case resp := <-responses:
		if resp.Error != "" {
			return nil, xerrors.Wrap(ErrRemoteHandler, resp.Error)
		}
		return resp.Data, nil
	case <-reqCtx.Done():
		trace.MarkSpanError(span, ErrRequestTimeout)
		return nil, xerrors.Wrapf(ErrRequestTimeout, "pattern %s after %s", pattern, timeout)
	}
}

// ========================================
// 委托给本地总线
// ========================================

func (d *DistributedBus) GetEventHistory(ctx context.Context, aggregateType, aggregateID string, fromVersion int64) ([]DomainEvent, error) {
	return d.local.GetEventHistory(ctx, aggregateType, aggregateID, fromVersion)
}

func (d *DistributedBus) Replay(ctx context.Context, aggregateType, aggregateID string, fromVersion int64, handler Handler) error {
	return d.local.Replay(ctx, aggregateType, aggregateID, fromVersion, handler)
}

func (d *DistributedBus) RecentEvents(ctx context.Context, limit int) ([]DomainEvent, error) {
	return d.local.RecentEvents(ctx, limit)
}

func (d *DistributedBus) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return d.local.DeadLetters(ctx)
}

func (d *DistributedBus) RetryDeadLetters(ctx context.Context) (int, error) {
	return d.local.RetryDeadLetters(ctx)
}

// Close 取消所有背板订阅并关闭本地总线；底层连接由 connector 负责
func (d *DistributedBus) Close() error {
	d.cancel()
	d.mu.Lock()
	for k, unsub := range d.channels {
		_ = unsub()
		delete(d.channels, k)
	}
	for k, unsub := range d.patterns {
		_ = unsub()
		delete(d.patterns, k)
	}
	d.mu.Unlock()
	return xerrors.Join(d.transport.Close(), d.local.Close())
}
