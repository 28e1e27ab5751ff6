package registry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instanceFor(t *testing.T, srv *httptest.Server, path string) ServiceInstance {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ServiceInstance{Name: "web", Host: host, Port: port, Protocol: ProtocolHTTP, HealthCheckPath: path}
}

func TestDefaultProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewProber(100 * time.Millisecond)
	ctx := context.Background()

	t.Run("2xx 视为健康", func(t *testing.T) {
		assert.NoError(t, p.Probe(ctx, instanceFor(t, srv, "/health")))
	})

	t.Run("非 2xx 视为失败", func(t *testing.T) {
		err := p.Probe(ctx, instanceFor(t, srv, "/down"))
		assert.ErrorIs(t, err, ErrProbeFailed)
	})

	t.Run("超时视为失败", func(t *testing.T) {
		assert.Error(t, p.Probe(ctx, instanceFor(t, srv, "/slow")))
	})

	t.Run("连接失败视为失败", func(t *testing.T) {
		inst := ServiceInstance{Host: "127.0.0.1", Port: 1, Protocol: ProtocolHTTP, HealthCheckPath: "/health"}
		assert.Error(t, p.Probe(ctx, inst))
	})
}
