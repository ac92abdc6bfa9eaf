package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"RedisGate/internal/config"
)

// Conn 表示一条由池独占管理的存储连接，暴露访问层所需的最小命令集。
type Conn interface {
	// Ping 发送一次往返探测，用于借出校验与存活检查。
	Ping(ctx context.Context) error
	// SetNX 执行原子的 set-if-absent-with-expiry 操作。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Eval 在存储端原子执行多步脚本。
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	// Get 读取指定键的值，键不存在时返回空串。
	Get(ctx context.Context, key string) (string, error)
	// Info 获取存储端上报的统计信息。
	Info(ctx context.Context, sections ...string) (string, error)
	// Close 销毁连接。
	Close() error
}

// Factory 负责创建单条连接，是池与具体客户端之间的边界。
type Factory interface {
	Create(ctx context.Context) (Conn, error)
}

// ClientFactory 基于 go-redis 客户端创建专属连接。
type ClientFactory struct {
	client *goredis.Client
}

// NewClientFactory 构造连接工厂，并在启动阶段校验存储可达。
func NewClientFactory(ctx context.Context, cfg config.RedisConfig) (*ClientFactory, error) {
	if cfg.Host == "" {
		return nil, errors.New("Redis host 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout(),
		ReadTimeout:  cfg.CommandTimeout(),
		WriteTimeout: cfg.CommandTimeout(),
		// 池化由上层自管，客户端内部只保留脚手架容量。
		PoolSize: 1,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &ClientFactory{client: client}, nil
}

// Create 建立一条新的专属连接并确认其可用。
func (f *ClientFactory) Create(ctx context.Context) (Conn, error) {
	conn := f.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("新建连接校验失败: %w", err)
	}
	return &redisConn{conn: conn}, nil
}

// Close 关闭底层客户端。
func (f *ClientFactory) Close() error {
	if f == nil || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// redisConn 将 go-redis 的专属连接适配到 Conn 接口。
type redisConn struct {
	conn *goredis.Conn
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx).Err()
}

func (c *redisConn) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.conn.SetNX(ctx, key, value, ttl).Result()
}

func (c *redisConn) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.conn.Eval(ctx, script, keys, args...).Result()
}

func (c *redisConn) Get(ctx context.Context, key string) (string, error) {
	val, err := c.conn.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *redisConn) Info(ctx context.Context, sections ...string) (string, error) {
	return c.conn.Info(ctx, sections...).Result()
}

func (c *redisConn) Close() error {
	return c.conn.Close()
}
