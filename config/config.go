package config

import (
	"strings"

	"github.com/ceyewan/controlplane/clog"
)

// Config 配置加载器自身的配置
type Config struct {
	Name      string   // 配置文件名称（不含扩展名），默认 "controlplane"
	Paths     []string // 配置文件搜索路径，默认 [".", "./config"]
	FileType  string   // 配置文件类型，默认 yaml
	EnvPrefix string   // 环境变量前缀，默认 "CONTROLPLANE"
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "controlplane"
	}
	if c.Paths == nil {
		c.Paths = []string{".", "./config"}
	}
	if c.FileType == "" {
		c.FileType = "yaml"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "CONTROLPLANE"
	}
	c.EnvPrefix = strings.ToUpper(c.EnvPrefix)
}

// Option 配置加载器选项
type Option func(*options)

type options struct {
	logger   clog.Logger
	defaults map[string]any
}

// WithLogger 注入日志记录器
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("config")
		}
	}
}

// WithDefaults 设置默认值，key 使用点分路径，例如 "gateway.addr"
func WithDefaults(defaults map[string]any) Option {
	return func(o *options) {
		for k, v := range defaults {
			o.defaults[k] = v
		}
	}
}

// New 创建配置加载器，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (Loader, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	o := &options{
		logger:   clog.Discard(),
		defaults: make(map[string]any),
	}
	for _, opt := range opts {
		opt(o)
	}

	return newLoader(cfg, o), nil
}
