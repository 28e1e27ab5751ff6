package eventbus

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Store 事件日志与死信队列
//
// 聚合日志是事件溯源的读路径，按 version 升序返回；全局日志只保留最近的事件用于审计。
type Store interface {
	Append(ctx context.Context, event DomainEvent) error
	History(ctx context.Context, aggregateType, aggregateID string, fromVersion int64) ([]DomainEvent, error)
	Recent(ctx context.Context, limit int) ([]DomainEvent, error)

	AddDeadLetter(ctx context.Context, dl DeadLetter) (DeadLetter, error)
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, id string) error
}

// memoryStore 进程内实现
type memoryStore struct {
	limit int

	mu          sync.RWMutex
	aggregates  map[string][]DomainEvent // aggregateType/aggregateID -> 按 version 排序
	global      []DomainEvent            // 环形缓冲
	head        int
	size        int
	deadLetters []DeadLetter
}

// NewMemoryStore 创建内存 Store，limit 为全局日志容量
func NewMemoryStore(limit int) Store {
	if limit <= 0 {
		limit = 10000
	}
	return &memoryStore{
		limit:      limit,
		aggregates: make(map[string][]DomainEvent),
		global:     make([]DomainEvent, limit),
	}
}

func aggregateKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

func (s *memoryStore) Append(_ context.Context, event DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.AggregateType != "" || event.AggregateID != "" {
		key := aggregateKey(event.AggregateType, event.AggregateID)
		list := s.aggregates[key]
		// 相同 version 保持追加顺序
		idx, _ := slices.BinarySearchFunc(list, event.Version+1, func(e DomainEvent, v int64) int {
			switch {
			case e.Version < v:
				return -1
			case e.Version > v:
				return 1
			}
			return 0
		})
		s.aggregates[key] = slices.Insert(list, idx, event)
	}

	s.global[(s.head+s.size)%s.limit] = event
	if s.size < s.limit {
		s.size++
	} else {
		s.head = (s.head + 1) % s.limit
	}
	return nil
}

func (s *memoryStore) History(_ context.Context, aggregateType, aggregateID string, fromVersion int64) ([]DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DomainEvent
	for _, e := range s.aggregates[aggregateKey(aggregateType, aggregateID)] {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) Recent(_ context.Context, limit int) ([]DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]DomainEvent, 0, limit)
	for i := s.size - limit; i < s.size; i++ {
		out = append(out, s.global[(s.head+i)%s.limit])
	}
	return out, nil
}

func (s *memoryStore) AddDeadLetter(_ context.Context, dl DeadLetter) (DeadLetter, error) {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.deadLetters = append(s.deadLetters, dl)
	s.mu.Unlock()
	return dl, nil
}

func (s *memoryStore) DeadLetters(context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.deadLetters), nil
}

func (s *memoryStore) RemoveDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = slices.DeleteFunc(s.deadLetters, func(dl DeadLetter) bool {
		return dl.ID == id
	})
	return nil
}
