package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ceyewan/controlplane/trace"
	"github.com/ceyewan/controlplane/xerrors"
)

// Prober 主动探测实例健康，返回 nil 表示健康
type Prober interface {
	Probe(ctx context.Context, inst ServiceInstance) error
}

// ProberFunc 函数形式的 Prober
type ProberFunc func(ctx context.Context, inst ServiceInstance) error

func (f ProberFunc) Probe(ctx context.Context, inst ServiceInstance) error {
	return f(ctx, inst)
}

// NewProber 默认探测器：grpc 实例走 grpc.health.v1，其余发送 HTTP GET 并要求 2xx
func NewProber(timeout time.Duration) Prober {
	return &defaultProber{
		client: &http.Client{Timeout: timeout},
	}
}

type defaultProber struct {
	client *http.Client
}

func (p *defaultProber) Probe(ctx context.Context, inst ServiceInstance) error {
	if inst.Protocol == ProtocolGRPC {
		return probeGRPC(ctx, inst)
	}
	return p.probeHTTP(ctx, inst)
}

func (p *defaultProber) probeHTTP(ctx context.Context, inst ServiceInstance) error {
	path := inst.HealthCheckPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return xerrors.Wrap(ErrProbeFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.Wrap(ErrProbeFailed, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}

// probeGRPC HealthCheckPath 去掉前导 "/" 后作为 health 服务名，空串表示整个 server
func probeGRPC(ctx context.Context, inst ServiceInstance) error {
	conn, err := grpc.NewClient(inst.Address(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(trace.GRPCClientStatsHandler()),
	)
	if err != nil {
		return xerrors.Wrap(ErrProbeFailed, err.Error())
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: strings.TrimPrefix(inst.HealthCheckPath, "/"),
	})
	if err != nil {
		return xerrors.Wrap(ErrProbeFailed, err.Error())
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return xerrors.Wrap(ErrProbeFailed, resp.GetStatus().String())
	}
	return nil
}
