package connector

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/clog"
)

// TestConfigValidation 测试必填项校验与默认值
func TestConfigValidation(t *testing.T) {
	t.Run("缺少地址", func(t *testing.T) {
		_, err := NewRedis(&RedisConfig{})
		assert.ErrorIs(t, err, ErrConfig)
		_, err = NewNATS(&NATSConfig{})
		assert.ErrorIs(t, err, ErrConfig)
		_, err = NewEtcd(&EtcdConfig{})
		assert.ErrorIs(t, err, ErrConfig)
		_, err = NewKafka(&KafkaConfig{}, nil)
		assert.ErrorIs(t, err, ErrConfig)
		_, err = NewMySQL(&MySQLConfig{Host: "db"})
		assert.ErrorIs(t, err, ErrConfig)
	})

	t.Run("默认值", func(t *testing.T) {
		cfg := &RedisConfig{Addr: "127.0.0.1:6379"}
		conn, err := NewRedis(cfg)
		require.NoError(t, err)
		assert.Equal(t, "default", conn.Name())
		assert.Equal(t, 10, cfg.PoolSize)
		assert.False(t, conn.IsHealthy())

		mysqlCfg := &MySQLConfig{Host: "db", Username: "root", Password: "pw", Database: "cp"}
		mysqlCfg.setDefaults()
		assert.Equal(t, "root:pw@tcp(db:3306)/cp?charset=utf8mb4&parseTime=True&loc=Local", mysqlCfg.dsn())
	})

	t.Run("未连接时健康检查失败", func(t *testing.T) {
		conn, err := NewNATS(&NATSConfig{URL: "nats://127.0.0.1:4222"})
		require.NoError(t, err)
		assert.ErrorIs(t, conn.HealthCheck(context.Background()), ErrNotConnected)
	})
}

// TestSQLiteConnector 测试内存 SQLite 连接
func TestSQLiteConnector(t *testing.T) {
	conn, err := NewSQLite(&SQLiteConfig{Path: "file:connector_test?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	assert.True(t, conn.IsHealthy())
	assert.NotNil(t, conn.GetClient())
	assert.NoError(t, conn.HealthCheck(context.Background()))
}

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := clog.New(&clog.Config{Level: "info", Format: "json"}, clog.WithOutput(&buf))
	require.NoError(t, err)

	conn, err := NewSQLite(&SQLiteConfig{Path: "file:gorm_logger_test?mode=memory&cache=shared"}, WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	t.Run("失败的语句按 error 记录", func(t *testing.T) {
		buf.Reset()
		err := conn.GetClient().Exec("SELECT * FROM missing_table").Error
		require.Error(t, err)
		assert.Contains(t, buf.String(), "sql failed")
		assert.Contains(t, buf.String(), "missing_table")
	})

	t.Run("普通语句只在 debug 输出", func(t *testing.T) {
		buf.Reset()
		require.NoError(t, conn.GetClient().Exec("SELECT 1").Error)
		assert.NotContains(t, buf.String(), "SELECT 1")
	})
}
