package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"pageprimer/internal/logger"
	"pageprimer/pkg/domain"
)

// Entry 缓存表记录
type Entry struct {
	CacheKey   string `gorm:"primaryKey"`
	Method     string
	URL        string
	StatusCode int
	Headers    string // JSON 对象
	Body       []byte
	StoredAt   time.Time `gorm:"index"`
}

// SQLStore 基于 SQLite 的持久化缓存存储
type SQLStore struct {
	db      *gorm.DB
	offline OfflineFunc
	log     logger.Logger
}

// OpenSQLStore 打开（必要时创建）SQLite 缓存库
func OpenSQLStore(dsn, prefix string, offline OfflineFunc, l logger.Logger) (*SQLStore, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if offline == nil {
		offline = neverOffline
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         newQueryLogger(l, 0),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate cache table: %w", err)
	}
	l.Info("缓存库已打开", "dsn", dsn)
	return &SQLStore{db: db, offline: offline, log: l}, nil
}

func (s *SQLStore) IsOffline() bool { return s.offline() }

func (s *SQLStore) CachedResponse(ctx context.Context, req *domain.Request) (*domain.Response, bool, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("cache_key = ?", domain.CacheKey(req)).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	res := domain.NewResponse()
	res.URL = e.URL
	res.StatusCode = e.StatusCode
	res.Headers = decodeHeaders(e.Headers)
	res.Body = e.Body
	return res, true, nil
}

func (s *SQLStore) Store(ctx context.Context, req *domain.Request, resp *domain.Response) error {
	headers, err := encodeHeaders(resp.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	e := Entry{
		CacheKey:   domain.CacheKey(req),
		Method:     req.Method,
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       resp.Body,
		StoredAt:   time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&e).Error
}

func (s *SQLStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&Entry{}).Pluck("cache_key", &keys).Error; err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SQLStore) Purge(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&Entry{}).Error
}

// Close 关闭底层连接
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

func encodeHeaders(h domain.Header) (string, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "{}"
	var err error
	for _, k := range keys {
		out, err = sjson.Set(out, pathEscaper.Replace(k), h[k])
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

func decodeHeaders(raw string) domain.Header {
	h := make(domain.Header)
	gjson.Parse(raw).ForEach(func(k, v gjson.Result) bool {
		h.Set(k.String(), v.String())
		return true
	})
	return h
}
