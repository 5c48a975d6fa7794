package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pageprimer/internal/logger"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Browser struct {
		DevToolsURL      string `yaml:"devToolsURL"`
		Concurrency      int    `yaml:"concurrency"`
		ProcessTimeoutMS int    `yaml:"processTimeoutMS"`
	} `yaml:"browser"`

	Connectivity struct {
		ProbeURL   string `yaml:"probeURL"`
		IntervalMS int    `yaml:"intervalMS"`
		TimeoutMS  int    `yaml:"timeoutMS"`
	} `yaml:"connectivity"`

	Server struct {
		Addr string `yaml:"addr"`
		// PrimeTimeoutMS 由调用方施加的预取超时
		PrimeTimeoutMS int `yaml:"primeTimeoutMS"`
	} `yaml:"server"`

	Storage struct {
		Exclude []ExcludeRule `yaml:"exclude"`
	} `yaml:"storage"`
}

// ExcludeRule 不写入缓存的URL规则
type ExcludeRule struct {
	Mode    string `yaml:"mode"` // prefix/regex/exact/glob
	Pattern string `yaml:"pattern"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "pageprimer_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "logs/pageprimer.log"
	c.Browser.DevToolsURL = "http://127.0.0.1:9222"
	c.Browser.Concurrency = 16
	c.Browser.ProcessTimeoutMS = 30000
	c.Connectivity.IntervalMS = 5000
	c.Connectivity.TimeoutMS = 2000
	c.Server.Addr = "127.0.0.1:8089"
	c.Server.PrimeTimeoutMS = 60000
	return c
}

// Load 从 yaml 文件读取配置，未设置的字段沿用默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// LoggerOptions 转换为日志配置
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Log.Level,
		Writer:     c.Log.Writer,
		File:       c.Log.File,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}
