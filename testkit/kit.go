// Package testkit 为各组件的单元测试提供公共依赖。
//
// 外部服务（Redis、NATS、Etcd、Kafka）默认连接本机端口，可通过环境变量覆盖；
// 服务不可达时调用 t.Skip 跳过测试，而不是失败：
//
//	CONTROLPLANE_TEST_REDIS_ADDR   默认 localhost:6379
//	CONTROLPLANE_TEST_NATS_URL     默认 nats://localhost:4222
//	CONTROLPLANE_TEST_ETCD_ADDR    默认 localhost:2379
//	CONTROLPLANE_TEST_KAFKA_ADDR   默认 localhost:9092
package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包
func NewKit(t *testing.T) *Kit {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(),
	}
}

// NewLogger 返回一个用于测试的 logger
// 设置 CONTROLPLANE_TEST_VERBOSE 时输出开发格式日志，否则丢弃
func NewLogger() clog.Logger {
	if os.Getenv("CONTROLPLANE_TEST_VERBOSE") == "" {
		return clog.Discard()
	}
	logger, err := clog.New(clog.NewDevDefaultConfig("controlplane-test"))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 返回一个用于测试的 meter，不启动 HTTP 暴露端口
func NewMeter() metrics.Meter {
	return metrics.Discard()
}

// NewContext 返回一个带有超时的测试上下文，测试结束时自动取消
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回一个唯一的测试 ID (UUID v4 前 8 位)
// 用于生成唯一的 Key、Channel 或表名后缀，避免测试间数据冲突
func NewID() string {
	return uuid.New().String()[0:8]
}

// Eventually 在 timeout 内轮询 cond，超时则失败
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
