// Command controlplane 启动控制面：服务注册表、API 网关、事件总线、性能监控与自动扩缩容。
//
// 配置从 controlplane.yaml（搜索 . 与 ./config）、.env 与 CONTROLPLANE_ 前缀的环境变量加载，
// 例如 CONTROLPLANE_GATEWAY_ADDR=:9000。
//
//	controlplane -config ./deploy -name controlplane
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/config"
)

func main() {
	dir := flag.String("config", "", "extra directory to search for the config file")
	name := flag.String("name", "controlplane", "config file name without extension")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dir, *name); err != nil {
		fmt.Fprintf(os.Stderr, "controlplane: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dir, name string) error {
	cfgPaths := []string{".", "./config"}
	if dir != "" {
		cfgPaths = append([]string{dir}, cfgPaths...)
	}
	loader, err := config.New(&config.Config{Name: name, Paths: cfgPaths}, config.WithDefaults(defaults()))
	if err != nil {
		return err
	}
	if err := loader.Load(ctx); err != nil {
		return err
	}

	var cfg AppConfig
	if err := loader.Unmarshal(&cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	cfg.Log.Namespace = "controlplane"
	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Flush()

	a, err := newApp(ctx, &cfg, logger)
	if err != nil {
		logger.Error("failed to build control plane", clog.Error(err))
		return err
	}
	go watchLogLevel(ctx, loader, logger)

	if err := a.start(ctx); err != nil {
		logger.Error("failed to start control plane", clog.Error(err))
		_ = a.shutdown(context.WithoutCancel(ctx))
		return err
	}
	logger.Info("control plane started", clog.String("addr", cfg.Gateway.Addr))

	<-ctx.Done()
	logger.Info("shutting down")
	return a.shutdown(context.WithoutCancel(ctx))
}

// watchLogLevel 配置文件中 log.level 变化时调整日志级别
func watchLogLevel(ctx context.Context, loader config.Loader, logger clog.Logger) {
	ch, err := loader.Watch(ctx, "log.level")
	if err != nil {
		logger.Warn("watch log.level failed", clog.Error(err))
		return
	}
	for ev := range ch {
		s, ok := ev.Value.(string)
		if !ok {
			continue
		}
		level, err := clog.ParseLevel(s)
		if err != nil {
			logger.Warn("ignore invalid log level", clog.String("level", s), clog.Error(err))
			continue
		}
		if err := logger.SetLevel(level); err != nil {
			logger.Warn("set log level failed", clog.Error(err))
			continue
		}
		logger.Info("log level changed", clog.String("level", level.String()))
	}
}
