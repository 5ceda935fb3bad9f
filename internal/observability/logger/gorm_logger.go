package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const maxStatementSize = 100

// PoolLogger routes gorm's own logging for one connection pool into zap.
// Slow statements are reported by the query router, so Trace only logs
// failures, and every statement at Info level.
type PoolLogger struct {
	pool  string
	level gormlogger.LogLevel
}

func NewPoolLogger(pool string, debug bool) *PoolLogger {
	level := gormlogger.Error
	if debug {
		level = gormlogger.Info
	}
	return &PoolLogger{pool: pool, level: level}
}

func (l *PoolLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *PoolLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.with(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *PoolLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.with(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *PoolLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.with(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *PoolLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	switch {
	case l.level <= gormlogger.Silent:
		return
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound):
		sql, rows := fc()
		l.with(ctx).Warn("statement failed", statementFields(sql, rows, time.Since(begin), err)...)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.with(ctx).Debug("statement", statementFields(sql, rows, time.Since(begin), nil)...)
	}
}

// ParamsFilter drops bound values so tenant data never reaches the log.
func (l *PoolLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *PoolLogger) with(ctx context.Context) *zap.Logger {
	return FromContext(ctx).With(zap.String("component", "gorm"), zap.String("pool", l.pool))
}

func statementFields(sql string, rows int64, elapsed time.Duration, err error) []zap.Field {
	sql = strings.TrimSpace(sql)
	if len(sql) > maxStatementSize {
		sql = sql[:maxStatementSize]
	}
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.String("verb", statementVerb(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	return fields
}

func statementVerb(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		if token == "WITH" {
			continue
		}
		return token
	}
	return "UNKNOWN"
}

var _ gormlogger.Interface = (*PoolLogger)(nil)
