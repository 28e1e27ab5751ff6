package main

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/eventbus"
	"github.com/ceyewan/controlplane/registry"
)

// 注册表生命周期事件在总线上的名称
const (
	EventServiceRegistered    = "ServiceRegistered"
	EventServiceDeregistered  = "ServiceDeregistered"
	EventServiceUnhealthy     = "ServiceUnhealthy"
	EventServiceRecovered     = "ServiceRecovered"
	EventServiceStatusChanged = "ServiceStatusChanged"

	aggregateInstance = "ServiceInstance"
)

var busEventNames = map[registry.EventType]string{
	registry.EventRegistered:    EventServiceRegistered,
	registry.EventDeregistered:  EventServiceDeregistered,
	registry.EventUnhealthy:     EventServiceUnhealthy,
	registry.EventRecovered:     EventServiceRecovered,
	registry.EventStatusChanged: EventServiceStatusChanged,
}

// registryBridge 把注册表事件发布到事件总线，聚合 ID 为实例 ID，版本按实例递增
type registryBridge struct {
	bus     eventbus.Bus
	logger  clog.Logger
	timeout time.Duration

	mu       sync.Mutex
	versions map[string]int64
}

func bridgeRegistry(reg registry.Registry, bus eventbus.Bus, logger clog.Logger) *registryBridge {
	b := &registryBridge{
		bus:      bus,
		logger:   logger.WithNamespace("bridge"),
		timeout:  5 * time.Second,
		versions: make(map[string]int64),
	}
	reg.Subscribe(b.handle)
	return b
}

func (b *registryBridge) nextVersion(id string, deregistered bool) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[id]++
	v := b.versions[id]
	if deregistered {
		delete(b.versions, id)
	}
	return v
}

func (b *registryBridge) handle(ev registry.Event) {
	name, ok := busEventNames[ev.Type]
	if !ok {
		return
	}
	version := b.nextVersion(ev.Instance.ID, ev.Type == registry.EventDeregistered)

	event, err := eventbus.NewEvent(name, aggregateInstance, ev.Instance.ID, version, ev)
	if err != nil {
		b.logger.Error("encode registry event failed", clog.String("type", name), clog.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.bus.Publish(ctx, event); err != nil {
		b.logger.Warn("publish registry event failed",
			clog.String("type", name),
			clog.String("instance", ev.Instance.ID),
			clog.Error(err))
	}
}
