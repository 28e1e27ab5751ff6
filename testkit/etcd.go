package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/ceyewan/controlplane/connector"
)

// GetEtcdConfig 返回 Etcd 测试配置
func GetEtcdConfig() *connector.EtcdConfig {
	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   []string{envOr("CONTROLPLANE_TEST_ETCD_ADDR", "localhost:2379")},
		DialTimeout: 2 * time.Second,
	}
}

// GetEtcdConnector 获取 Etcd 连接器，Etcd 不可达时跳过测试
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()
	conn, err := connector.NewEtcd(GetEtcdConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create etcd connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}
