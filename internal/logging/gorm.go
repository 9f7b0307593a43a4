package logging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowSQLThreshold = 200 * time.Millisecond

// gormLogger 将 GORM 日志适配到 zerolog
type gormLogger struct {
	log   zerolog.Logger
	level logger.LogLevel
}

// NewGormLogger 返回 GORM logger 适配器，默认只记录 warn 及以上。
func NewGormLogger(log zerolog.Logger) logger.Interface {
	return &gormLogger{log: Component(log, "gorm"), level: logger.Warn}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	n := *l
	n.level = level
	return &n
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.Info().Msg(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warn().Msg(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.Error().Msg(fmt.Sprintf(msg, data...))
	}
}

// Trace 记录 SQL 执行日志；ErrRecordNotFound 属于正常分支，不按错误记录。
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.log.Error().Err(err).Dur("duration", elapsed).Str("sql", sql).Int64("rows", rows).Msg("sql error")
	case elapsed > slowSQLThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.Warn().Dur("duration", elapsed).Str("sql", sql).Int64("rows", rows).Msg("slow sql")
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.Debug().Dur("duration", elapsed).Str("sql", sql).Int64("rows", rows).Msg("sql")
	}
}
