// Package connector 管理控制面依赖的外部连接：Redis、NATS、Etcd、Kafka 以及 GORM 数据库。
//
// 连接器只负责建连、健康检查与关闭，业务组件通过 GetClient 取得原生客户端：
//
//	conn, _ := connector.NewRedis(&connector.RedisConfig{Addr: "127.0.0.1:6379"}, connector.WithLogger(logger))
//	if err := conn.Connect(ctx); err != nil {
//	    return err
//	}
//	defer conn.Close()
//	limiter, _ := ratelimit.NewDistributed(conn, &ratelimit.DistributedConfig{})
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/gorm"
)

// Connector 连接器公共行为
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error
	IsHealthy() bool
	Name() string
}

// TypedConnector 暴露原生客户端的连接器
type TypedConnector[T any] interface {
	Connector
	GetClient() T
}

type RedisConnector interface {
	TypedConnector[*redis.Client]
}

type NATSConnector interface {
	TypedConnector[*nats.Conn]
}

type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}

type KafkaConnector interface {
	TypedConnector[*kgo.Client]
}

// DatabaseConnector MySQL 与 SQLite 共用
type DatabaseConnector interface {
	TypedConnector[*gorm.DB]
}
