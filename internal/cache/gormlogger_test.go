package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	plog "pageprimer/internal/logger"
)

func sqlOf(s string) func() (string, int64) {
	return func() (string, int64) { return s, 1 }
}

func TestQueryLoggerTagsCacheKey(t *testing.T) {
	var buf bytes.Buffer
	q := newQueryLogger(plog.NewWithWriter(&buf, "debug"), time.Second).LogMode(logger.Info)
	ctx := plog.WithTraceID(context.Background(), "GET https://example.com/")

	q.Trace(ctx, time.Now(), sqlOf("INSERT INTO entries"), nil)
	line := gjson.Parse(buf.String())
	assert.Equal(t, "GET https://example.com/", line.Get("key").String())
	assert.Equal(t, "INSERT INTO entries", line.Get("sql").String())
	assert.Equal(t, "debug", line.Get("level").String())
}

func TestQueryLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	q := newQueryLogger(plog.NewWithWriter(&buf, "debug"), time.Second)

	// 默认 Warn 级别：未命中与普通语句不输出
	q.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), gorm.ErrRecordNotFound)
	q.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), nil)
	assert.Empty(t, buf.String())

	q.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), errors.New("disk I/O error"))
	line := gjson.Parse(buf.String())
	assert.Equal(t, "error", line.Get("level").String())
	assert.Equal(t, "disk I/O error", line.Get("error").String())
	assert.False(t, line.Get("key").Exists())

	buf.Reset()
	q.Trace(context.Background(), time.Now().Add(-2*time.Second), sqlOf("SELECT 1"), nil)
	assert.Equal(t, "warn", gjson.Parse(buf.String()).Get("level").String())

	buf.Reset()
	q.LogMode(logger.Silent).Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), errors.New("x"))
	assert.Empty(t, buf.String())
}
