package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 RedisGate 在启动阶段需要加载的核心配置。
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Pool      PoolConfig      `yaml:"pool"`
	Lock      LockConfig      `yaml:"lock"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RedisConfig 描述远端存储的连接参数。
type RedisConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Password              string `yaml:"password"`
	DB                    int    `yaml:"db"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
}

// Addr 返回 host:port 形式的地址。
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout 返回连接超时时间。
func (c RedisConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// CommandTimeout 返回单条命令的超时时间。
func (c RedisConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// PoolConfig 描述连接池的容量与回收策略。
type PoolConfig struct {
	MaxTotal                int  `yaml:"max_total"`
	MaxIdle                 int  `yaml:"max_idle"`
	MinIdle                 int  `yaml:"min_idle"`
	MaxWaitMillis           int  `yaml:"max_wait_ms"`
	TestOnBorrow            bool `yaml:"test_on_borrow"`
	EvictionIntervalSeconds int  `yaml:"eviction_interval_seconds"`
	IdleTimeoutSeconds      int  `yaml:"idle_timeout_seconds"`
}

// MaxWait 返回借用连接的最长等待时间。
func (c PoolConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMillis) * time.Millisecond
}

// EvictionInterval 返回空闲回收的执行周期。
func (c PoolConfig) EvictionInterval() time.Duration {
	return time.Duration(c.EvictionIntervalSeconds) * time.Second
}

// IdleTimeout 返回空闲连接被回收前的阈值时长。
func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// LockConfig 描述分布式锁的键前缀与租约参数。
type LockConfig struct {
	Prefix             string `yaml:"prefix"`
	LeaseSeconds       int    `yaml:"lease_seconds"`
	RetryDelayMillis   int    `yaml:"retry_delay_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	AcquireTimeoutSecs int    `yaml:"acquire_timeout_seconds"`
}

// Lease 返回锁的默认租约时长。
func (c LockConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// RetryDelay 返回重试获取锁的间隔。
func (c LockConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

// RateLimitConfig 描述限流器的键前缀与默认配额。
type RateLimitConfig struct {
	Prefix               string `yaml:"prefix"`
	DefaultLimit         int64  `yaml:"default_limit"`
	DefaultWindowSeconds int    `yaml:"default_window_seconds"`
}

// DefaultWindow 返回默认的限流窗口时长。
func (c RateLimitConfig) DefaultWindow() time.Duration {
	return time.Duration(c.DefaultWindowSeconds) * time.Second
}

// MonitorConfig 描述健康监控的调度周期与阈值。
type MonitorConfig struct {
	HealthIntervalSeconds  int     `yaml:"health_interval_seconds"`
	MetricsIntervalSeconds int     `yaml:"metrics_interval_seconds"`
	DegradedAfter          int     `yaml:"degraded_after"`
	DownAfter              int     `yaml:"down_after"`
	ErrorThreshold         int64   `yaml:"error_threshold"`
	UtilizationBand        float64 `yaml:"utilization_band"`
}

// HealthInterval 返回存活探测周期。
func (c MonitorConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// MetricsInterval 返回指标采集周期。
func (c MonitorConfig) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSeconds) * time.Second
}

// AlertingConfig 描述告警通道的连接参数。
type AlertingConfig struct {
	AMQPURL   string `yaml:"amqp_url"`
	AMQPQueue string `yaml:"amqp_queue"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level   string         `yaml:"level"`
	Format  string         `yaml:"format"`
	Outputs []string       `yaml:"outputs"`
	Events  EventLogConfig `yaml:"events"`
}

// EventLogConfig 控制健康事件日志的落盘与滚动。
type EventLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.ConnectTimeoutSeconds <= 0 {
		c.Redis.ConnectTimeoutSeconds = 5
	}
	if c.Redis.CommandTimeoutSeconds <= 0 {
		c.Redis.CommandTimeoutSeconds = 3
	}

	if c.Pool.MaxTotal <= 0 {
		c.Pool.MaxTotal = 16
	}
	if c.Pool.MaxIdle <= 0 {
		c.Pool.MaxIdle = 8
	}
	if c.Pool.MinIdle < 0 {
		c.Pool.MinIdle = 0
	}
	if c.Pool.MaxWaitMillis <= 0 {
		c.Pool.MaxWaitMillis = 2000
	}
	if c.Pool.EvictionIntervalSeconds <= 0 {
		c.Pool.EvictionIntervalSeconds = 60
	}
	if c.Pool.IdleTimeoutSeconds <= 0 {
		c.Pool.IdleTimeoutSeconds = 300
	}

	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "redisgate:lock:"
	}
	if c.Lock.LeaseSeconds <= 0 {
		c.Lock.LeaseSeconds = 30
	}
	if c.Lock.RetryDelayMillis <= 0 {
		c.Lock.RetryDelayMillis = 100
	}
	if c.Lock.MaxRetries < 0 {
		c.Lock.MaxRetries = 0
	}

	if c.RateLimit.Prefix == "" {
		c.RateLimit.Prefix = "redisgate:ratelimit:"
	}
	if c.RateLimit.DefaultLimit <= 0 {
		c.RateLimit.DefaultLimit = 100
	}
	if c.RateLimit.DefaultWindowSeconds <= 0 {
		c.RateLimit.DefaultWindowSeconds = 60
	}

	if c.Monitor.HealthIntervalSeconds <= 0 {
		c.Monitor.HealthIntervalSeconds = 10
	}
	if c.Monitor.MetricsIntervalSeconds <= 0 {
		c.Monitor.MetricsIntervalSeconds = 30
	}
	if c.Monitor.DegradedAfter <= 0 {
		c.Monitor.DegradedAfter = 1
	}
	if c.Monitor.DownAfter <= 0 {
		c.Monitor.DownAfter = 3
	}
	if c.Monitor.ErrorThreshold <= 0 {
		c.Monitor.ErrorThreshold = 10
	}
	if c.Monitor.UtilizationBand <= 0 || c.Monitor.UtilizationBand > 1 {
		c.Monitor.UtilizationBand = 0.9
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9121"
	}
}

// validate 校验字段之间的约束关系。
func (c *Config) validate() error {
	if c.Pool.MaxIdle > c.Pool.MaxTotal {
		return fmt.Errorf("pool.max_idle (%d) 不能大于 pool.max_total (%d)", c.Pool.MaxIdle, c.Pool.MaxTotal)
	}
	if c.Pool.MinIdle > c.Pool.MaxIdle {
		return fmt.Errorf("pool.min_idle (%d) 不能大于 pool.max_idle (%d)", c.Pool.MinIdle, c.Pool.MaxIdle)
	}
	if c.Monitor.DegradedAfter > c.Monitor.DownAfter {
		return fmt.Errorf("monitor.degraded_after (%d) 不能大于 monitor.down_after (%d)", c.Monitor.DegradedAfter, c.Monitor.DownAfter)
	}
	return nil
}
