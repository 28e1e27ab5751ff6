package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// TestLoader 测试多源配置加载
func TestLoader(t *testing.T) {
	t.Run("文件与默认值合并", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "cp.yaml", "gateway:\n  addr: \":9000\"\nregistry:\n  heartbeat_timeout: 90s\n")

		loader, err := New(&Config{Name: "cp", Paths: []string{dir}, EnvPrefix: "CPTEST1"},
			WithDefaults(map[string]any{"gateway.addr": ":8080", "monitor.interval": "30s"}))
		require.NoError(t, err)
		require.NoError(t, loader.Load(context.Background()))

		assert.Equal(t, ":9000", loader.Get("gateway.addr"))
		assert.Equal(t, "30s", loader.Get("monitor.interval"))

		var section struct {
			HeartbeatTimeout string `mapstructure:"heartbeat_timeout"`
		}
		require.NoError(t, loader.UnmarshalKey("registry", &section))
		assert.Equal(t, "90s", section.HeartbeatTimeout)
	})

	t.Run("环境变量优先", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "cp.yaml", "gateway:\n  addr: \":9000\"\n")
		t.Setenv("CPTEST2_GATEWAY_ADDR", ":7000")

		loader, err := New(&Config{Name: "cp", Paths: []string{dir}, EnvPrefix: "cptest2"})
		require.NoError(t, err)
		require.NoError(t, loader.Load(context.Background()))
		assert.Equal(t, ":7000", loader.Get("gateway.addr"))
	})

	t.Run("环境特定配置覆盖基础配置", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "cp.yaml", "log:\n  level: info\n  format: json\n")
		writeFile(t, dir, "cp.dev.yaml", "log:\n  level: debug\n")
		t.Setenv("CPTEST3_ENV", "dev")

		loader, err := New(&Config{Name: "cp", Paths: []string{dir}, EnvPrefix: "CPTEST3"})
		require.NoError(t, err)
		require.NoError(t, loader.Load(context.Background()))
		assert.Equal(t, "debug", loader.Get("log.level"))
		assert.Equal(t, "json", loader.Get("log.format"))
	})

	t.Run("空配置校验失败", func(t *testing.T) {
		loader, err := New(&Config{Name: "missing", Paths: []string{t.TempDir()}, EnvPrefix: "CPTEST4"})
		require.NoError(t, err)
		err = loader.Load(context.Background())
		assert.ErrorIs(t, err, ErrValidationFailed)
	})
}

// TestWatch 测试取消监听后通道关闭
func TestWatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cp.yaml", "log:\n  level: info\n")
	loader, err := New(&Config{Name: "cp", Paths: []string{dir}, EnvPrefix: "CPTEST5"})
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := loader.Watch(ctx, "log.level")
	require.NoError(t, err)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}
