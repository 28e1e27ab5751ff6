package cache

import (
	"github.com/ceyewan/controlplane/cache/serializer"
	"github.com/ceyewan/controlplane/xerrors"
)

const (
	ModeStandalone  = "standalone"
	ModeDistributed = "distributed"
)

// Config 缓存组件统一配置
type Config struct {
	// Mode 缓存模式: "standalone" | "distributed" (默认 "standalone")
	Mode string `json:"mode" yaml:"mode" mapstructure:"mode"`

	// Prefix 全局 Key 前缀 (e.g., "controlplane:cache:")
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`

	// Serializer "json" | "msgpack" (默认 "msgpack")
	Serializer string `json:"serializer" yaml:"serializer" mapstructure:"serializer"`

	// Capacity 单机模式最大条目数（默认 10000）
	Capacity int `json:"capacity" yaml:"capacity" mapstructure:"capacity"`
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeStandalone
	}
	if c.Serializer == "" {
		c.Serializer = serializer.TypeMsgpack
	}
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
}

func (c *Config) validate() error {
	if c.Serializer != serializer.TypeJSON && c.Serializer != serializer.TypeMsgpack {
		return xerrors.Wrapf(serializer.ErrUnsupportedSerializer, "cache: %q", c.Serializer)
	}
	return nil
}
