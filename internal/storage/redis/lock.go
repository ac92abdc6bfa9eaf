package redis

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "RedisGate/internal/errors"
)

// 释放与续约都必须在存储端原子比较持有者，客户端先读后删会在
// 租约过期后误删他人的锁。
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end`

	extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end`
)

// Lock 基于存储端的原子条件写实现跨进程互斥。客户端不保存任何
// 锁状态，每次调用都是 (资源, 持有者, 租约) 的纯函数。
type Lock struct {
	pool   *Pool
	prefix string
}

// NewLock 构造分布式锁入口。
func NewLock(pool *Pool, prefix string) *Lock {
	if prefix == "" {
		prefix = "redisgate:lock:"
	}
	return &Lock{pool: pool, prefix: prefix}
}

// NewOwnerID 生成一次获取尝试的唯一持有者标识。
func NewOwnerID() string {
	return uuid.NewString()
}

// Acquire 以单次往返尝试获取锁。锁被他人持有时返回 false，
// 这不是错误；传输失败时结果未知，以 LOCK_CHECK_FAILED 上抛。
func (l *Lock) Acquire(ctx context.Context, resource, owner string, lease time.Duration) (bool, error) {
	if resource == "" || owner == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "资源与持有者不能为空")
	}
	if lease <= 0 {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "租约时长必须大于零")
	}
	var granted bool
	err := l.pool.WithConn(ctx, func(pc *PooledConn) error {
		ok, err := pc.SetNX(ctx, l.prefix+resource, owner, lease)
		if err != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeLockCheckFailed, err, "获取锁的结果未知")
		}
		granted = ok
		return nil
	})
	return granted, err
}

// AcquireWithRetry 在单次获取之外提供重试策略：按固定间隔最多
// 重试 maxRetries 次，期间尊重 ctx 的取消与截止时间。传输失败
// 立即上抛，不会被当作锁竞争继续重试。
func (l *Lock) AcquireWithRetry(ctx context.Context, resource, owner string, lease, retryDelay time.Duration, maxRetries int) (bool, error) {
	for attempt := 0; ; attempt++ {
		granted, err := l.Acquire(ctx, resource, owner, lease)
		if err != nil || granted {
			return granted, err
		}
		if attempt >= maxRetries {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待锁被取消")
		case <-time.After(retryDelay):
		}
	}
}

// Release 释放锁。只有当前持有者能删除键；持有者不匹配或键已
// 过期时返回 false 且不报错。
func (l *Lock) Release(ctx context.Context, resource, owner string) (bool, error) {
	var released bool
	err := l.pool.WithConn(ctx, func(pc *PooledConn) error {
		res, err := pc.Eval(ctx, releaseScript, []string{l.prefix + resource}, owner)
		if err != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeLockCheckFailed, err, "释放锁的结果未知")
		}
		released = evalBool(res)
		return nil
	})
	return released, err
}

// Extend 在仍然持有锁的前提下把租约重置为 lease。临界区可能超过
// 租约的调用方必须在租约到期前调用它，否则接受过期后的并发访问。
func (l *Lock) Extend(ctx context.Context, resource, owner string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "租约时长必须大于零")
	}
	var extended bool
	err := l.pool.WithConn(ctx, func(pc *PooledConn) error {
		res, err := pc.Eval(ctx, extendScript, []string{l.prefix + resource}, owner, lease.Milliseconds())
		if err != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeLockCheckFailed, err, "续约的结果未知")
		}
		extended = evalBool(res)
		return nil
	})
	return extended, err
}

// Holder 返回当前持有者标识，主要用于诊断；没有持有者时为空串。
func (l *Lock) Holder(ctx context.Context, resource string) (string, error) {
	var holder string
	err := l.pool.WithConn(ctx, func(pc *PooledConn) error {
		val, err := pc.Get(ctx, l.prefix+resource)
		if err != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeTransportFailure, err, "读取锁持有者失败")
		}
		holder = val
		return nil
	})
	return holder, err
}

// evalBool 将脚本返回的整数解释为布尔结果。
func evalBool(res interface{}) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	default:
		return false
	}
}
