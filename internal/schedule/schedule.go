// Package schedule 为后台周期任务创建 cron 调度器，内部日志转到 clog
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ceyewan/controlplane/clog"
)

// cronLogger 把 cron 的内部日志转到 clog
type cronLogger struct {
	logger clog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), clog.Error(err))...)
}

func fields(kv []any) []clog.Field {
	out := make([]clog.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, clog.Any(key, kv[i+1]))
	}
	return out
}

// New 创建调度器，panic 会被恢复，上一次任务未结束时跳过本次触发
func New(logger clog.Logger) *cron.Cron {
	if logger == nil {
		logger = clog.Discard()
	}
	l := cronLogger{logger: logger}
	return cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// Every 返回固定间隔的 cron 表达式
func Every(d time.Duration) string {
	return "@every " + d.String()
}
