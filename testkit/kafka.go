package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ceyewan/controlplane/connector"
)

// GetKafkaConfig 返回 Kafka 测试配置，每次调用使用独立的消费组
func GetKafkaConfig() *connector.KafkaConfig {
	return &connector.KafkaConfig{
		Name:          "test-kafka",
		Seed:          []string{envOr("CONTROLPLANE_TEST_KAFKA_ADDR", "localhost:9092")},
		ConsumerGroup: "test-" + NewID(),
	}
}

// GetKafkaConnector 获取 Kafka 连接器，Kafka 不可达时跳过测试
func GetKafkaConnector(t *testing.T, extra ...kgo.Opt) connector.KafkaConnector {
	t.Helper()
	conn, err := connector.NewKafka(GetKafkaConfig(), extra, connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create kafka connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		t.Skipf("kafka unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}
