package registry

import (
	"net"
	"strconv"
	"time"
)

// ServiceStatus 实例生命周期：STARTING -> HEALTHY <-> UNHEALTHY -> STOPPING -> STOPPED
type ServiceStatus string

const (
	StatusStarting  ServiceStatus = "STARTING"
	StatusHealthy   ServiceStatus = "HEALTHY"
	StatusUnhealthy ServiceStatus = "UNHEALTHY"
	StatusStopping  ServiceStatus = "STOPPING"
	StatusStopped   ServiceStatus = "STOPPED"
)

var allStatuses = []ServiceStatus{StatusStarting, StatusHealthy, StatusUnhealthy, StatusStopping, StatusStopped}

// Protocol 实例对外协议，决定探测方式
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolGRPC  Protocol = "grpc"
)

// ServiceInstance 代表一个服务实例，由 Registry 独占，对外只返回副本
type ServiceInstance struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        Protocol          `json:"protocol"`
	HealthCheckPath string            `json:"healthCheckPath,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          ServiceStatus     `json:"status"`
	RegisteredAt    time.Time         `json:"registeredAt"`
	LastHeartbeat   time.Time         `json:"lastHeartbeat"`
}

// Address host:port
func (s *ServiceInstance) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL scheme://host:port，grpc 实例返回 http 形式供网关转发
func (s *ServiceInstance) URL() string {
	scheme := "http"
	if s.Protocol == ProtocolHTTPS {
		scheme = "https"
	}
	return scheme + "://" + s.Address()
}

func (s *ServiceInstance) clone() ServiceInstance {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// RegisterConfig 注册参数
type RegisterConfig struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        Protocol          `json:"protocol"` // 默认 http
	HealthCheckPath string            `json:"healthCheckPath"`
	Metadata        map[string]string `json:"metadata"`
}

// Strategy 实例选择策略
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyRandom     Strategy = "random"
	StrategyFirst      Strategy = "first"
)

// EventType 生命周期事件类型
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventDeregistered  EventType = "deregistered"
	EventUnhealthy     EventType = "unhealthy"
	EventRecovered     EventType = "recovered"
	EventStatusChanged EventType = "status_changed"
)

// Event 实例生命周期事件，Instance 为事件发生时的副本
type Event struct {
	Type      EventType       `json:"type"`
	Instance  ServiceInstance `json:"instance"`
	From      ServiceStatus   `json:"from,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler 事件回调，在 Registry 锁外同步调用
type EventHandler func(Event)
