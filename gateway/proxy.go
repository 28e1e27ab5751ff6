package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/registry"
	"github.com/ceyewan/controlplane/trace"
	"github.com/ceyewan/controlplane/xerrors"
)

// attempt 单次转发的目标与结果，通过请求 Context 传给 ReverseProxy 的回调
type attempt struct {
	target *url.URL
	strip  string
	err    error
}

type attemptKey struct{}

func attemptFrom(r *http.Request) *attempt {
	a, _ := r.Context().Value(attemptKey{}).(*attempt)
	return a
}

// newReverseProxy 上游 5xx 与传输错误都交给 ErrorHandler，由 dispatch 决定重试或返回 503
func (g *gateway) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = g.cfg.UpstreamTimeout
		transport = t
	}
	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			a := attemptFrom(pr.In)
			if a.strip != "" {
				p := strings.TrimPrefix(pr.In.URL.Path, a.strip)
				if !strings.HasPrefix(p, "/") {
					p = "/" + p
				}
				pr.Out.URL.Path = p
				pr.Out.URL.RawPath = ""
			}
			pr.SetURL(a.target)
			pr.SetXForwarded()

			carrier := make(map[string]string)
			trace.Inject(pr.Out.Context(), carrier)
			for k, v := range carrier {
				pr.Out.Header.Set(k, v)
			}
		},
		ModifyResponse: func(res *http.Response) error {
			if res.StatusCode >= http.StatusInternalServerError {
				return xerrors.Wrapf(ErrUpstreamStatus, "status %d", res.StatusCode)
			}
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, r *http.Request, err error) {
			if a := attemptFrom(r); a != nil {
				a.err = err
			}
		},
	}
}

// dispatch 选择实例并转发，失败按 Delay*n 退避重试，全部失败返回 503
func (g *gateway) dispatch(rt *route) gin.HandlerFunc {
	service := rt.cfg.ServiceName
	attempts := rt.cfg.attempts()
	delay := rt.cfg.retryDelay()

	return func(c *gin.Context) {
		body, err := readBody(c, g.cfg.MaxBodyBytes)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
				"code":  xerrors.CodeInvalidInput,
			})
			return
		}

		ctx := c.Request.Context()
		var (
			lastErr error
			tried   int
		)
		for tried < attempts {
			tried++
			lastErr = g.forward(c, rt, body)
			g.metrics.attempt(ctx, service, lastErr)
			if lastErr == nil {
				g.breaker.RecordSuccess(service)
				return
			}
			g.breaker.RecordFailure(service)
			g.logger.Warn("upstream attempt failed",
				clog.String("service", service),
				clog.Int("attempt", tried),
				clog.Int("max_attempts", attempts),
				clog.Error(lastErr))

			if tried < attempts && !sleepContext(ctx, delay*time.Duration(tried)) {
				break
			}
		}

		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":    "service unavailable",
			"service":  service,
			"attempts": tried,
			"detail":   lastErr.Error(),
			"code":     xerrors.CodeUnavailable,
		})
	}
}

// forward 执行一次转发，成功时响应已写给客户端
func (g *gateway) forward(c *gin.Context, rt *route, body []byte) error {
	inst, err := g.registry.SelectInstance(rt.cfg.ServiceName, rt.cfg.Strategy)
	if err != nil {
		return err
	}
	target, err := upstreamURL(inst)
	if err != nil {
		return err
	}

	a := &attempt{target: target}
	if rt.cfg.StripPrefix && rt.cfg.PathPrefix != "/" {
		a.strip = rt.cfg.PathPrefix
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), g.cfg.UpstreamTimeout)
	defer cancel()

	req := c.Request.Clone(context.WithValue(ctx, attemptKey{}, a))
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	g.proxy.ServeHTTP(c.Writer, req)
	if a.err != nil {
		return xerrors.Wrapf(a.err, "instance %s", inst.ID)
	}
	return nil
}

func upstreamURL(inst *registry.ServiceInstance) (*url.URL, error) {
	u, err := url.Parse(inst.URL())
	if err != nil {
		return nil, xerrors.Wrapf(err, "gateway: instance %s url", inst.ID)
	}
	return u, nil
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	defer c.Request.Body.Close()
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
