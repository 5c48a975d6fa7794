// Package rules 根据 URL 规则决定资源是否写入缓存
package rules

import (
	"regexp"
	"strings"
	"sync"

	"pageprimer/pkg/domain"
)

// Mode URL 匹配方式
type Mode string

const (
	ModePrefix Mode = "prefix"
	ModeRegex  Mode = "regex"
	ModeExact  Mode = "exact"
	ModeGlob   Mode = "glob"
	// ModeHost 按主机名匹配，支持 *.example.com
	ModeHost Mode = "host"
)

// Rule 单条排除规则
type Rule struct {
	Mode    Mode
	Pattern string
}

// Engine 排除规则集合
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// New 创建规则引擎
func New(rs []Rule) *Engine { return &Engine{rules: rs} }

// Update 替换规则集合
func (e *Engine) Update(rs []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rs
}

// Excluded 请求是否命中任一排除规则
func (e *Engine) Excluded(req *domain.Request) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.rules {
		if match(req, e.rules[i]) {
			return true
		}
	}
	return false
}

// Policy 返回存储策略：命中排除规则的请求不写入缓存
func (e *Engine) Policy() func(req *domain.Request) bool {
	return func(req *domain.Request) bool { return !e.Excluded(req) }
}

func match(req *domain.Request, r Rule) bool {
	switch r.Mode {
	case ModePrefix:
		return strings.HasPrefix(req.URL, r.Pattern)
	case ModeRegex:
		return matchRegex(req.URL, r.Pattern)
	case ModeExact:
		return req.URL == r.Pattern
	case ModeHost:
		return glob(strings.ToLower(req.Host()), strings.ToLower(r.Pattern))
	default:
		return glob(req.URL, r.Pattern)
	}
}

var regexCache sync.Map

func matchRegex(s, pattern string) bool {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re != nil && re.MatchString(s)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// 非法表达式缓存为 nil，不再重复编译
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return false
	}
	regexCache.Store(pattern, re)
	return re.MatchString(s)
}

func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")) {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")) {
		return true
	}
	return s == pattern
}
