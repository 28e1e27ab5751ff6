package connector

import (
	"fmt"
	"time"

	"github.com/ceyewan/controlplane/xerrors"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Name         string        `mapstructure:"name"`
	Addr         string        `mapstructure:"addr"` // [必填] 例如 127.0.0.1:6379
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`      // 默认 10
	MinIdleConns int           `mapstructure:"min_idle_conns"` // 默认 2
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`   // 默认 5s
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`   // 默认 3s
	WriteTimeout time.Duration `mapstructure:"write_timeout"`  // 默认 3s
	EnableTrace  bool          `mapstructure:"enable_trace"`
}

func (c *RedisConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 2
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

func (c *RedisConfig) validate() error {
	if c.Addr == "" {
		return xerrors.Wrap(ErrConfig, "redis addr is required")
	}
	return nil
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	Name          string        `mapstructure:"name"`
	URL           string        `mapstructure:"url"` // [必填] 例如 nats://127.0.0.1:4222
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"` // 默认 2s
	MaxReconnects int           `mapstructure:"max_reconnects"` // 默认 60，-1 表示无限
	PingInterval  time.Duration `mapstructure:"ping_interval"`  // 默认 2m
	Timeout       time.Duration `mapstructure:"timeout"`        // 默认 5s
}

func (c *NATSConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c *NATSConfig) validate() error {
	if c.URL == "" {
		return xerrors.Wrap(ErrConfig, "nats url is required")
	}
	return nil
}

// EtcdConfig Etcd 连接配置
type EtcdConfig struct {
	Name        string        `mapstructure:"name"`
	Endpoints   []string      `mapstructure:"endpoints"` // [必填]
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"` // 默认 5s
}

func (c *EtcdConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

func (c *EtcdConfig) validate() error {
	if len(c.Endpoints) == 0 {
		return xerrors.Wrap(ErrConfig, "etcd endpoints are required")
	}
	return nil
}

// KafkaConfig Kafka 连接配置
type KafkaConfig struct {
	Name          string   `mapstructure:"name"`
	Seed          []string `mapstructure:"seed"` // [必填] broker 列表
	ClientID      string   `mapstructure:"client_id"`
	ConsumerGroup string   `mapstructure:"consumer_group"` // 为空时不加入消费组
}

func (c *KafkaConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.ClientID == "" {
		c.ClientID = "controlplane"
	}
}

func (c *KafkaConfig) validate() error {
	if len(c.Seed) == 0 {
		return xerrors.Wrap(ErrConfig, "kafka seed brokers are required")
	}
	return nil
}

// MySQLConfig MySQL 连接配置
type MySQLConfig struct {
	Name            string        `mapstructure:"name"`
	DSN             string        `mapstructure:"dsn"` // 提供时忽略 Host/Port 等
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"` // 默认 3306
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	Charset         string        `mapstructure:"charset"`        // 默认 utf8mb4
	MaxIdleConns    int           `mapstructure:"max_idle_conns"` // 默认 10
	MaxOpenConns    int           `mapstructure:"max_open_conns"` // 默认 100
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnableTrace     bool          `mapstructure:"enable_trace"`
}

func (c *MySQLConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Charset == "" {
		c.Charset = "utf8mb4"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 100
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
}

func (c *MySQLConfig) validate() error {
	if c.DSN != "" {
		return nil
	}
	if c.Host == "" || c.Username == "" || c.Database == "" {
		return xerrors.Wrap(ErrConfig, "mysql host, username and database are required")
	}
	return nil
}

func (c *MySQLConfig) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// SQLiteConfig SQLite 连接配置
type SQLiteConfig struct {
	Name        string `mapstructure:"name"`
	Path        string `mapstructure:"path"` // 默认 file::memory:?cache=shared
	EnableTrace bool   `mapstructure:"enable_trace"`
}

func (c *SQLiteConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Path == "" {
		c.Path = "file::memory:?cache=shared"
	}
}

func (c *SQLiteConfig) validate() error {
	return nil
}
