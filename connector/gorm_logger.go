package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ceyewan/controlplane/clog"
)

// slowQueryThreshold 超过该耗时的语句按 Warn 记录
const slowQueryThreshold = 200 * time.Millisecond

// gormLogger 把 GORM 日志写入 clog；默认只记录错误与慢查询，SQL 明细在 Debug 级别
type gormLogger struct {
	logger clog.Logger
	level  logger.LogLevel
	slow   time.Duration
}

func newGormLogger(l clog.Logger) logger.Interface {
	return &gormLogger{logger: l, level: logger.Warn, slow: slowQueryThreshold}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.logger.ErrorContext(ctx, "sql failed",
			clog.Duration("elapsed", elapsed), clog.String("sql", sql), clog.Int64("rows", rows), clog.Error(err))
	case elapsed > l.slow && l.level >= logger.Warn:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "slow sql",
			clog.Duration("elapsed", elapsed), clog.String("sql", sql), clog.Int64("rows", rows))
	default:
		sql, rows := fc()
		l.logger.DebugContext(ctx, "sql",
			clog.Duration("elapsed", elapsed), clog.String("sql", sql), clog.Int64("rows", rows))
	}
}
