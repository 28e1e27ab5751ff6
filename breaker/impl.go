package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
)

const metricStateChanges = "breaker_state_changes_total"

// entry 单个下游的熔断器，gobreaker 不记录失败时间，这里自行维护
type entry struct {
	cb          *gobreaker.TwoStepCircuitBreaker[struct{}]
	mu          sync.Mutex
	lastFailure time.Time
}

type circuitBreaker struct {
	cfg      *Config
	logger   clog.Logger
	changes  metrics.Counter
	hook     func(key string, from, to State)
	breakers sync.Map // key -> *entry
}

// New 创建熔断器，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	changes, err := o.meter.Counter(metricStateChanges, "Circuit breaker state transitions")
	if err != nil {
		return nil, err
	}

	return &circuitBreaker{
		cfg:     &c,
		logger:  o.logger,
		changes: changes,
		hook:    o.onStateChange,
	}, nil
}

func (b *circuitBreaker) get(key string) *entry {
	if v, ok := b.breakers.Load(key); ok {
		return v.(*entry)
	}

	threshold := b.cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: b.cfg.HalfOpenMaxRequests,
		Interval:    0, // CLOSED 状态下不周期清零，只由成功调用重置
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(name, fromGobreaker(from), fromGobreaker(to))
		},
	}
	e := &entry{cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)}
	actual, _ := b.breakers.LoadOrStore(key, e)
	return actual.(*entry)
}

func (b *circuitBreaker) onStateChange(key string, from, to State) {
	b.logger.Warn("circuit breaker state changed",
		clog.String("service", key),
		clog.String("from", from.String()),
		clog.String("to", to.String()))
	b.changes.Inc(context.Background(),
		metrics.L(metrics.LabelService, key),
		metrics.L("to", to.String()))
	if b.hook != nil {
		b.hook(key, from, to)
	}
}

func (b *circuitBreaker) IsOpen(key string) bool {
	return b.State(key) == StateOpen
}

func (b *circuitBreaker) State(key string) State {
	v, ok := b.breakers.Load(key)
	if !ok {
		return StateClosed
	}
	// gobreaker 在读取状态时处理 OPEN -> HALF_OPEN 的超时迁移
	return fromGobreaker(v.(*entry).cb.State())
}

func (b *circuitBreaker) RecordSuccess(key string) {
	b.record(key, true)
}

func (b *circuitBreaker) RecordFailure(key string) {
	b.record(key, false)
}

// record 通过 Allow 取得一次调用许可后立即上报结果；OPEN 状态下拿不到许可，结果被忽略
func (b *circuitBreaker) record(key string, success bool) {
	if key == "" {
		return
	}
	e := b.get(key)
	if !success {
		e.mu.Lock()
		e.lastFailure = time.Now()
		e.mu.Unlock()
	}
	done, err := e.cb.Allow()
	if err != nil {
		return
	}
	done(success)
}

func (b *circuitBreaker) Snapshot() map[string]Snapshot {
	out := make(map[string]Snapshot)
	b.breakers.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		last := e.lastFailure
		e.mu.Unlock()
		state := fromGobreaker(e.cb.State())
		out[k.(string)] = Snapshot{
			State:               state,
			ConsecutiveFailures: e.cb.Counts().ConsecutiveFailures,
			LastFailureTime:     last,
		}
		return true
	})
	return out
}

func (b *circuitBreaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return ErrKeyEmpty
	}
	e := b.get(key)
	done, err := e.cb.Allow()
	if err != nil {
		return ErrOpenState
	}
	callErr := fn(ctx)
	if callErr != nil {
		e.mu.Lock()
		e.lastFailure = time.Now()
		e.mu.Unlock()
	}
	done(callErr == nil)
	return callErr
}

// Keys 返回已创建熔断器的 key，按字典序
func Keys(b Breaker) []string {
	snap := b.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
