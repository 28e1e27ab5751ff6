package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ceyewan/controlplane/cache"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

// Collector 向快照填充一部分指标，返回错误时快照中已填充的部分仍然保留
type Collector interface {
	Name() string
	Collect(ctx context.Context, s *Snapshot) error
}

// CollectorFunc 函数形式的 Collector
type CollectorFunc struct {
	ID string
	Fn func(ctx context.Context, s *Snapshot) error
}

func (c CollectorFunc) Name() string { return c.ID }

func (c CollectorFunc) Collect(ctx context.Context, s *Snapshot) error { return c.Fn(ctx, s) }

// ========================================
// 系统指标
// ========================================

type systemCollector struct{}

// SystemCollector 通过 gopsutil 采集 CPU、内存与负载，并读取 Go 堆内存
func SystemCollector() Collector {
	return systemCollector{}
}

func (systemCollector) Name() string { return "system" }

func (systemCollector) Collect(ctx context.Context, s *Snapshot) error {
	var errs []error

	// interval 为 0 时与上一次调用比较，不阻塞
	if usage, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, xerrors.Wrap(err, "cpu percent"))
	} else if len(usage) > 0 {
		s.CPU.Usage = usage[0]
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.CPU.Cores = cores
	} else {
		s.CPU.Cores = runtime.NumCPU()
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.CPU.LoadAvg = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, xerrors.Wrap(err, "virtual memory"))
	} else {
		s.Memory.Used = vm.Used
		s.Memory.Total = vm.Total
		s.Memory.Usage = vm.UsedPercent
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.Memory.HeapAlloc = ms.HeapAlloc

	return xerrors.Join(errs...)
}

// ========================================
// 数据库与缓存
// ========================================

type databaseCollector struct {
	conn connector.DatabaseConnector
}

// DatabaseCollector 读取连接池状态，并以一次 Ping 的耗时作为查询延迟
func DatabaseCollector(conn connector.DatabaseConnector) Collector {
	return databaseCollector{conn: conn}
}

func (databaseCollector) Name() string { return "database" }

func (c databaseCollector) Collect(ctx context.Context, s *Snapshot) error {
	sqlDB, err := c.conn.GetClient().DB()
	if err != nil {
		return xerrors.Wrap(err, "database handle")
	}
	s.Database.Connections = sqlDB.Stats().OpenConnections

	start := time.Now()
	if err := sqlDB.PingContext(ctx); err != nil {
		return xerrors.Wrap(err, "database ping")
	}
	s.Database.QueryLatencyMs = float64(time.Since(start).Microseconds()) / 1000
	return nil
}

type cacheCollector struct {
	cache cache.Cache
}

// CacheCollector 读取缓存命中率与条目数
func CacheCollector(c cache.Cache) Collector {
	return cacheCollector{cache: c}
}

func (cacheCollector) Name() string { return "cache" }

func (c cacheCollector) Collect(_ context.Context, s *Snapshot) error {
	stats := c.cache.Stats()
	s.Cache.HitRate = stats.HitRate() * 100
	s.Cache.Size = stats.Size
	return nil
}

// ========================================
// 业务指标
// ========================================

// Source 返回一个业务指标值
type Source func(ctx context.Context) (float64, error)

type sourceCollector struct {
	name string
	fn   Source
}

func (c sourceCollector) Name() string { return "business." + c.name }

func (c sourceCollector) Collect(ctx context.Context, s *Snapshot) error {
	v, err := c.fn(ctx)
	if err != nil {
		return err
	}
	if s.Business == nil {
		s.Business = make(map[string]float64)
	}
	s.Business[c.name] = v
	return nil
}
