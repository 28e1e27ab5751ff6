package main

import (
	"time"

	"github.com/ceyewan/controlplane/auth"
	"github.com/ceyewan/controlplane/autoscaler"
	"github.com/ceyewan/controlplane/breaker"
	"github.com/ceyewan/controlplane/cache"
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/dlock"
	"github.com/ceyewan/controlplane/eventbus"
	"github.com/ceyewan/controlplane/gateway"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/monitor"
	"github.com/ceyewan/controlplane/ratelimit"
	"github.com/ceyewan/controlplane/registry"
	"github.com/ceyewan/controlplane/trace"
	"github.com/ceyewan/controlplane/xerrors"
)

// AppConfig 控制面完整配置，对应 controlplane.yaml
type AppConfig struct {
	Log     clog.Config    `mapstructure:"log"`
	Metrics metrics.Config `mapstructure:"metrics"`
	Trace   trace.Config   `mapstructure:"trace"`

	Registry  registry.Config       `mapstructure:"registry"`
	Mirror    MirrorSection         `mapstructure:"mirror"`
	Breaker   breaker.Config        `mapstructure:"breaker"`
	RateLimit ratelimit.Config      `mapstructure:"ratelimit"`
	Cache     cache.Config          `mapstructure:"cache"`
	Auth      auth.Config           `mapstructure:"auth"`
	Gateway   gateway.Config        `mapstructure:"gateway"`
	Routes    []gateway.RouteConfig `mapstructure:"routes"`

	EventBus   EventBusSection   `mapstructure:"eventbus"`
	Monitor    monitor.Config    `mapstructure:"monitor"`
	Autoscaler AutoscalerSection `mapstructure:"autoscaler"`

	// Leader 多副本部署时的扩缩容领导权租约，driver 为空表示单副本
	Leader dlock.Config `mapstructure:"leader"`

	// 连接器均为可选，未配置地址时不创建
	Redis    connector.RedisConfig `mapstructure:"redis"`
	NATS     connector.NATSConfig  `mapstructure:"nats"`
	Kafka    connector.KafkaConfig `mapstructure:"kafka"`
	Etcd     connector.EtcdConfig  `mapstructure:"etcd"`
	Database DatabaseSection       `mapstructure:"database"`
}

// MirrorSection 注册表 Etcd 镜像，需要 etcd 连接
type MirrorSection struct {
	Enabled   bool          `mapstructure:"enabled"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// 事件总线背板
const (
	TransportNone   = "none"
	TransportMemory = "memory"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
)

// EventBusSection 事件总线配置
type EventBusSection struct {
	eventbus.Config `mapstructure:",squash"`

	// Transport none|memory|nats|redis|kafka，none 表示只在进程内分发
	Transport string `mapstructure:"transport"`

	// Store memory|database，database 需要 database 连接
	Store string `mapstructure:"store"`
}

// PolicySection 单个服务的扩缩容策略
type PolicySection struct {
	autoscaler.Policy `mapstructure:",squash"`

	// Current 启动时的实例数，注册表中有实例后以注册表为准
	Current int `mapstructure:"current"`
}

// AutoscalerSection 自动扩缩容配置
type AutoscalerSection struct {
	autoscaler.Config `mapstructure:",squash"`

	// Policies 服务名 -> 策略
	Policies map[string]PolicySection `mapstructure:"policies"`
}

// 数据库驱动
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DatabaseSection 事件日志数据库
type DatabaseSection struct {
	Driver string                 `mapstructure:"driver"` // 为空表示不使用数据库
	SQLite connector.SQLiteConfig `mapstructure:"sqlite"`
	MySQL  connector.MySQLConfig  `mapstructure:"mysql"`
}

// defaults 以点分路径表示的默认值，文件与环境变量可覆盖
func defaults() map[string]any {
	return map[string]any{
		"log.level":                 "info",
		"log.format":                "console",
		"log.output":                "stdout",
		"metrics.enabled":           true,
		"metrics.service_name":      "controlplane",
		"metrics.runtime":           true,
		"trace.enabled":             false,
		"trace.service_name":        "controlplane",
		"trace.sampler":             1.0,
		"trace.batcher":             "batch",
		"gateway.addr":              ":8080",
		"gateway.service_name":      "controlplane",
		"gateway.enable_prometheus": true,
		"eventbus.transport":        TransportNone,
		"eventbus.store":            "memory",
	}
}

func (c *AppConfig) validate() error {
	switch c.EventBus.Transport {
	case "", TransportNone, TransportMemory:
	case TransportNATS:
		if c.NATS.URL == "" {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "config: eventbus.transport=nats requires nats.url")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "config: eventbus.transport=redis requires redis.addr")
		}
	case TransportKafka:
		if len(c.Kafka.Seed) == 0 {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "config: eventbus.transport=kafka requires kafka.seed")
		}
	default:
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "config: unknown eventbus.transport %q", c.EventBus.Transport)
	}

	switch c.Database.Driver {
	case "", DriverSQLite, DriverMySQL:
	default:
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "config: unknown database.driver %q", c.Database.Driver)
	}
	if c.EventBus.Store == "database" && c.Database.Driver == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "config: eventbus.store=database requires database.driver")
	}
	if c.Mirror.Enabled && len(c.Etcd.Endpoints) == 0 {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "config: mirror requires etcd.endpoints")
	}
	switch c.Leader.Driver {
	case "":
	case dlock.DriverRedis:
		if c.Redis.Addr == "" {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "config: leader.driver=redis requires redis.addr")
		}
	case dlock.DriverEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "config: leader.driver=etcd requires etcd.endpoints")
		}
	default:
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "config: unknown leader.driver %q", c.Leader.Driver)
	}
	if c.RateLimit.Driver == ratelimit.DriverDistributed && c.Redis.Addr == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "config: distributed ratelimit requires redis.addr")
	}
	if c.Cache.Mode == cache.ModeDistributed && c.Redis.Addr == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "config: distributed cache requires redis.addr")
	}
	return nil
}
