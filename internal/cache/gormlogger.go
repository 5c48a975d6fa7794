package cache

import (
	"context"
	"errors"
	"time"

	plog "pageprimer/internal/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultSlowQuery = 200 * time.Millisecond

// queryLogger 将缓存库的 GORM 日志转发到项目日志。
// 写入路径在上下文中携带缓存键，日志以 key 字段关联到具体资源。
type queryLogger struct {
	log   plog.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newQueryLogger(l plog.Logger, slow time.Duration) *queryLogger {
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &queryLogger{log: l, level: logger.Warn, slow: slow}
}

// LogMode 实现 logger.Interface
func (q *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *q
	c.level = level
	return &c
}

func (q *queryLogger) Info(ctx context.Context, msg string, data ...any) {
	if q.level >= logger.Info {
		q.log.Info(msg, q.fields(ctx, "args", data)...)
	}
}

func (q *queryLogger) Warn(ctx context.Context, msg string, data ...any) {
	if q.level >= logger.Warn {
		q.log.Warn(msg, q.fields(ctx, "args", data)...)
	}
}

func (q *queryLogger) Error(ctx context.Context, msg string, data ...any) {
	if q.level >= logger.Error {
		q.log.Error(msg, q.fields(ctx, "args", data)...)
	}
}

// Trace 记录单条语句；记录不存在是缓存未命中，不算错误
func (q *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := q.fields(ctx, "rows", rows, "elapsed", elapsed)

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if q.level >= logger.Info {
			q.log.Debug("缓存未命中", fields...)
		}
	case err != nil:
		if q.level >= logger.Error {
			q.log.Err(err, "缓存库语句失败", append(fields, "sql", sql)...)
		}
	case elapsed > q.slow:
		if q.level >= logger.Warn {
			q.log.Warn("缓存库慢语句", append(fields, "sql", sql, "threshold", q.slow)...)
		}
	case q.level >= logger.Info:
		q.log.Debug("缓存库语句", append(fields, "sql", sql)...)
	}
}

func (q *queryLogger) fields(ctx context.Context, kv ...any) []any {
	if key := plog.TraceID(ctx); key != "" {
		return append([]any{"key", key}, kv...)
	}
	return kv
}
