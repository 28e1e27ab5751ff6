package eventbus

import (
	"context"
	"sync"

	"github.com/ceyewan/controlplane/xerrors"
)

// 背板消息头
const (
	HeaderOrigin    = "x-eventbus-origin"
	HeaderEventType = "x-eventbus-type"
)

// Headers 随消息透传的键值对，承载来源标识与链路上下文
type Headers map[string]string

// Clone 复制 Headers
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// MessageHandler 背板消息回调；同一订阅的消息按到达顺序串行回调
type MessageHandler func(ctx context.Context, data []byte, headers Headers)

// Unsubscribe 取消背板订阅
type Unsubscribe func() error

// Transport 分布式背板：只需要按频道名发布与订阅
//
// 底层连接由 connector 管理，Close 只释放 Transport 自身的订阅。
type Transport interface {
	// Name 用于日志与链路属性，例如 nats/redis/kafka
	Name() string
	Publish(ctx context.Context, channel string, data []byte, headers Headers) error
	// Subscribe ctx 结束时订阅自动取消
	Subscribe(ctx context.Context, channel string, fn MessageHandler) (Unsubscribe, error)
	Close() error
}

// 频道命名
func EventChannel(eventType string) string { return "events:" + eventType }
func PatternChannel(pattern string) string { return "patterns:" + pattern }
func ResponseChannel(id string) string     { return "response:" + id }

// ========================================
// 内存背板
// ========================================

// memoryTransport 进程内背板，多个 DistributedBus 共享同一实例即可模拟多进程
type memoryTransport struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

type memorySub struct {
	ch     chan memoryMsg
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

type memoryMsg struct {
	data    []byte
	headers Headers
}

// NewMemoryTransport 创建进程内背板
func NewMemoryTransport() Transport {
	return &memoryTransport{subs: make(map[string][]*memorySub)}
}

func (t *memoryTransport) Name() string { return "memory" }

func (t *memoryTransport) Publish(ctx context.Context, channel string, data []byte, headers Headers) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySub(nil), t.subs[channel]...)
	t.mu.RUnlock()

	for _, s := range subs {
		msg := memoryMsg{data: append([]byte(nil), data...), headers: headers.Clone()}
		select {
		case s.ch <- msg:
		case <-s.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *memoryTransport) Subscribe(ctx context.Context, channel string, fn MessageHandler) (Unsubscribe, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if fn == nil {
		return nil, xerrors.Wrap(ErrHandlerNil, channel)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &memorySub{ch: make(chan memoryMsg, 256), ctx: subCtx, cancel: cancel}
	t.subs[channel] = append(t.subs[channel], s)

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-s.ch:
				fn(subCtx, msg.data, msg.headers)
			}
		}
	}()

	unsub := func() error {
		s.once.Do(func() {
			cancel()
			t.mu.Lock()
			defer t.mu.Unlock()
			list := t.subs[channel]
			for i, x := range list {
				if x == s {
					t.subs[channel] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(t.subs[channel]) == 0 {
				delete(t.subs, channel)
			}
		})
		return nil
	}
	go func() {
		<-subCtx.Done()
		_ = unsub()
	}()
	return unsub, nil
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string][]*memorySub)
	t.closed = true
	t.mu.Unlock()
	for _, list := range subs {
		for _, s := range list {
			s.cancel()
		}
	}
	return nil
}
