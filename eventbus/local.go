package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/xerrors"
)

// Subscription 一次订阅，Unsubscribe 幂等
type Subscription interface {
	EventType() string
	Name() string
	Unsubscribe() error
}

// Bus 事件总线能力
type Bus interface {
	// Publish 写入事件日志并投递给订阅者；处理器失败不会返回给发布方
	Publish(ctx context.Context, event DomainEvent) error

	// Subscribe 注册某类型事件的处理器，ctx 取消时自动退订
	Subscribe(ctx context.Context, eventType string, handler Handler, opts ...SubscribeOption) (Subscription, error)

	// GetEventHistory 按 version 升序返回聚合的事件
	GetEventHistory(ctx context.Context, aggregateType, aggregateID string, fromVersion int64) ([]DomainEvent, error)

	// Replay 按历史顺序把聚合事件交给 handler，遇到错误即停止
	Replay(ctx context.Context, aggregateType, aggregateID string, fromVersion int64, handler Handler) error

	// RecentEvents 返回全局日志中最近的事件
	RecentEvents(ctx context.Context, limit int) ([]DomainEvent, error)

	// DeadLetters 返回死信队列
	DeadLetters(ctx context.Context) ([]DeadLetter, error)

	// RetryDeadLetters 把死信交给同名处理器再投递一次，成功的移出队列，返回成功条数
	RetryDeadLetters(ctx context.Context) (int, error)

	Close() error
}

// LocalBus 进程内事件总线
//
// 同一类型的多个处理器并发执行，各自独立重试，Publish 等待全部结束。
// 重试耗尽后按订阅选项写入死信队列，并发布 EventHandlerFailed 事件。
type LocalBus struct {
	cfg     Config
	logger  clog.Logger
	metrics *busMetrics
	store   Store

	mu       sync.RWMutex
	handlers map[string][]*subscription
	nextID   atomic.Uint64

	// failurePublisher 发布 EventHandlerFailed，分布式装饰器会替换为自身
	failurePublisher func(ctx context.Context, event DomainEvent) error

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocal 创建进程内事件总线，cfg 为 nil 时使用默认配置
func NewLocal(cfg *Config, opts ...Option) (*LocalBus, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := applyOptions(opts)
	m, err := newBusMetrics(o.meter)
	if err != nil {
		return nil, err
	}
	if o.store == nil {
		o.store = NewMemoryStore(c.HistoryLimit)
	}

	b := &LocalBus{
		cfg:      c,
		logger:   o.logger,
		metrics:  m,
		store:    o.store,
		handlers: make(map[string][]*subscription),
		done:     make(chan struct{}),
	}
	b.failurePublisher = b.Publish
	return b, nil
}

type subscription struct {
	id        uint64
	eventType string
	name      string
	handler   Handler
	opts      subscribeOptions
	bus       *LocalBus
	once      sync.Once
	stop      chan struct{}
}

func (s *subscription) EventType() string { return s.eventType }
func (s *subscription) Name() string      { return s.name }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.stop)
		s.bus.remove(s)
	})
	return nil
}

// ========================================
// 发布与订阅
// ========================================

func (b *LocalBus) Publish(ctx context.Context, event DomainEvent) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := prepare(&event); err != nil {
		return err
	}
	b.record(ctx, event)
	b.dispatch(ctx, event)
	return nil
}

// record 写入事件日志，失败只记录日志，投递照常进行
func (b *LocalBus) record(ctx context.Context, event DomainEvent) {
	b.metrics.published.Inc(ctx, metricsLabelType(event.Type))
	if err := b.store.Append(ctx, event); err != nil {
		b.logger.WarnContext(ctx, "failed to append event to log",
			clog.String("event_id", event.ID),
			clog.String("event_type", event.Type),
			clog.Error(err))
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, eventType string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if eventType == "" {
		return nil, xerrors.Wrap(ErrInvalidEvent, "event type is required")
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}

	so := subscribeOptions{retry: b.cfg.Retry, retryDelay: b.cfg.RetryDelay}
	for _, opt := range opts {
		opt(&so)
	}
	id := b.nextID.Add(1)
	if so.name == "" {
		so.name = fmt.Sprintf("%s#%d", eventType, id)
	}

	sub := &subscription{
		id:        id,
		eventType: eventType,
		name:      so.name,
		handler:   handler,
		opts:      so,
		bus:       b,
		stop:      make(chan struct{}),
	}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = sub.Unsubscribe()
			case <-sub.stop:
			}
		}()
	}

	b.logger.Debug("handler subscribed",
		clog.String("event_type", eventType),
		clog.String("handler", so.name))
	return sub, nil
}

func (b *LocalBus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := slices.DeleteFunc(slices.Clone(b.handlers[sub.eventType]), func(s *subscription) bool {
		return s.id == sub.id
	})
	if len(list) == 0 {
		delete(b.handlers, sub.eventType)
		return
	}
	b.handlers[sub.eventType] = list
}

func (b *LocalBus) subscribers(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.handlers[eventType])
}

// HasSubscribers 该类型是否有本地处理器
func (b *LocalBus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0
}

// ========================================
// 投递与重试
// ========================================

// dispatch 并发调用全部处理器并等待结束，单个处理器的失败互不影响
func (b *LocalBus) dispatch(ctx context.Context, event DomainEvent) {
	subs := b.subscribers(event.Type)
	if len(subs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.deliver(ctx, sub, event)
		}()
	}
	wg.Wait()
}

func (b *LocalBus) deliver(ctx context.Context, sub *subscription, event DomainEvent) {
	attempts, err := b.invokeWithRetry(ctx, sub, event)
	b.metrics.handledOutcome(ctx, event.Type, err)
	if err == nil {
		return
	}

	b.logger.ErrorContext(ctx, "event handler exhausted retries",
		clog.String("event_id", event.ID),
		clog.String("event_type", event.Type),
		clog.String("handler", sub.name),
		clog.Int("attempts", attempts),
		clog.Error(err))

	if sub.opts.deadLetter {
		dl := DeadLetter{
			Event:    event,
			Error:    err.Error(),
			Handler:  sub.name,
			Attempts: attempts,
			FailedAt: time.Now(),
		}
		if _, storeErr := b.store.AddDeadLetter(context.WithoutCancel(ctx), dl); storeErr != nil {
			b.logger.ErrorContext(ctx, "failed to store dead letter",
				clog.String("event_id", event.ID),
				clog.Error(storeErr))
		} else {
			b.metrics.deadLetters.Inc(ctx, metricsLabelType(event.Type))
		}
	}

	// EventHandlerFailed 自身的处理失败不再产生新的失败事件
	if event.Type == EventHandlerFailed {
		return
	}
	failure := failureEvent(event, sub.name, err)
	if pubErr := b.failurePublisher(context.WithoutCancel(ctx), failure); pubErr != nil {
		b.logger.WarnContext(ctx, "failed to publish handler failure event",
			clog.String("event_id", event.ID),
			clog.Error(pubErr))
	}
}

// invokeWithRetry 最多尝试 retry 次，第 n 次失败后等待 retryDelay*n
func (b *LocalBus) invokeWithRetry(ctx context.Context, sub *subscription, event DomainEvent) (int, error) {
	var err error
	for attempt := 1; attempt <= sub.opts.retry; attempt++ {
		err = b.invoke(ctx, sub, event)
		if err == nil {
			return attempt, nil
		}
		if attempt == sub.opts.retry {
			return attempt, err
		}

		b.logger.WarnContext(ctx, "event handler failed, retrying",
			clog.String("event_id", event.ID),
			clog.String("handler", sub.name),
			clog.Int("attempt", attempt),
			clog.Error(err))

		timer := time.NewTimer(sub.opts.retryDelay * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, xerrors.Wrap(err, ctx.Err().Error())
		case <-b.done:
			timer.Stop()
			return attempt, xerrors.Wrap(err, ErrClosed.Error())
		}
	}
	return sub.opts.retry, err
}

// invoke 调用一次处理器，panic 视为失败
func (b *LocalBus) invoke(ctx context.Context, sub *subscription, event DomainEvent) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler panic: %v", r)
		}
		b.metrics.observe(ctx, event.Type, start)
	}()
	return sub.handler(ctx, event)
}

// ========================================
// 日志与死信
// ========================================

func (b *LocalBus) GetEventHistory(ctx context.Context, aggregateType, aggregateID string, fromVersion int64) ([]DomainEvent, error) {
	return b.store.History(ctx, aggregateType, aggregateID, fromVersion)
}

func (b *LocalBus) Replay(ctx context.Context, aggregateType, aggregateID string, fromVersion int64, handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}
	events, err := b.store.History(ctx, aggregateType, aggregateID, fromVersion)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, e); err != nil {
			return xerrors.Wrapf(err, "replay %s/%s at version %d", aggregateType, aggregateID, e.Version)
		}
	}
	return nil
}

func (b *LocalBus) RecentEvents(ctx context.Context, limit int) ([]DomainEvent, error) {
	return b.store.Recent(ctx, limit)
}

func (b *LocalBus) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return b.store.DeadLetters(ctx)
}

func (b *LocalBus) RetryDeadLetters(ctx context.Context) (int, error) {
	letters, err := b.store.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, dl := range letters {
		subs := b.subscribers(dl.Event.Type)
		idx := slices.IndexFunc(subs, func(s *subscription) bool {
			return s.name == dl.Handler
		})
		if idx < 0 {
			continue
		}
		sub := subs[idx]
		if err := b.invoke(ctx, sub, dl.Event); err != nil {
			b.logger.WarnContext(ctx, "dead letter redelivery failed",
				clog.String("dead_letter_id", dl.ID),
				clog.String("handler", dl.Handler),
				clog.Error(err))
			continue
		}
		if err := b.store.RemoveDeadLetter(ctx, dl.ID); err != nil {
			return succeeded, err
		}
		succeeded++
	}
	if succeeded > 0 {
		b.logger.InfoContext(ctx, "dead letters redelivered", clog.Int("count", succeeded))
	}
	return succeeded, nil
}

// Close 停止接收新事件并中断进行中的重试等待
func (b *LocalBus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
	})
	return nil
}
