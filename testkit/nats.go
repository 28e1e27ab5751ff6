package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/ceyewan/controlplane/connector"
)

// GetNATSConfig 返回 NATS 测试配置
func GetNATSConfig() *connector.NATSConfig {
	return &connector.NATSConfig{
		Name:          "test-nats",
		URL:           envOr("CONTROLPLANE_TEST_NATS_URL", "nats://localhost:4222"),
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
		Timeout:       2 * time.Second,
	}
}

// GetNATSConnector 获取 NATS 连接器，NATS 不可达时跳过测试
func GetNATSConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	conn, err := connector.NewNATS(GetNATSConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create nats connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		t.Skipf("nats unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}
