package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "RedisGate/internal/errors"
)

// 两个限流脚本都在存储端一次往返内完成判定与更新，
// 任何第二个调用方都观察不到中间状态。
const (
	// 固定窗口：计数器随首次自增获得等于窗口长度的 TTL。
	fixedWindowScript = `local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
    return {0, current}
end
return {1, current}`

	// 滑动窗口：先裁剪过期日志，计数未超限时才记录本次事件。
	slidingWindowScript = `redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[2]) then
    redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
    redis.call("PEXPIRE", KEYS[1], ARGV[5])
    return {1, count + 1}
end
return {0, count}`
)

// Decision 是一次限流判定的结果。Denied 是预期内的业务结果，
// 不是错误。
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
}

// FixedWindowLimiter 按固定时间桶计数限流。窗口边界两侧的突发
// 最多可达两倍配额，这是刻意保留的低成本近似，需要精确语义的
// 调用方应选择滑动窗口实现。
type FixedWindowLimiter struct {
	pool   *Pool
	prefix string
	now    func() time.Time
}

// NewFixedWindowLimiter 构造固定窗口限流器。
func NewFixedWindowLimiter(pool *Pool, prefix string) *FixedWindowLimiter {
	if prefix == "" {
		prefix = "redisgate:ratelimit:"
	}
	return &FixedWindowLimiter{pool: pool, prefix: prefix, now: time.Now}
}

// Allow 判定一次事件是否放行。传输失败时判定结果未知，以
// RATE_LIMIT_CHECK_FAILED 上抛；调用方决定 fail-open 还是
// fail-closed，默认实现方应拒绝放行以保护后端。
func (f *FixedWindowLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	seconds := int64(window / time.Second)
	if key == "" || limit <= 0 || seconds <= 0 {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "限流参数不合法")
	}
	bucket := f.now().Unix() / seconds
	storeKey := fmt.Sprintf("%s%s:%d", f.prefix, key, bucket)

	var decision Decision
	err := f.pool.WithConn(ctx, func(pc *PooledConn) error {
		res, err := pc.Eval(ctx, fixedWindowScript, []string{storeKey},
			limit, seconds)
		if err != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeRateLimitCheckFailed, err, "固定窗口判定失败")
		}
		allowed, count, err := evalDecision(res)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeRateLimitCheckFailed, err, "固定窗口返回值异常")
		}
		decision = Decision{Allowed: allowed, Count: count, Limit: limit}
		return nil
	})
	return decision, err
}

// SlidingWindowLimiter 维护逐事件的时间戳日志，在任意滚动窗口内
// 给出精确判定，代价是每次检查 O(窗口内事件数)。
type SlidingWindowLimiter struct {
	pool   *Pool
	prefix string
	now    func() time.Time
}

// NewSlidingWindowLimiter 构造滑动窗口限流器。
func NewSlidingWindowLimiter(pool *Pool, prefix string) *SlidingWindowLimiter {
	if prefix == "" {
		prefix = "redisgate:ratelimit:sliding:"
	}
	return &SlidingWindowLimiter{pool: pool, prefix: prefix, now: time.Now}
}

// Allow 判定一次事件是否放行，语义与 FixedWindowLimiter.Allow
// 一致。被拒绝的事件不会写入日志。
func (s *SlidingWindowLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	if key == "" || limit <= 0 || window <= 0 {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "限流参数不合法")
	}
	now := s.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	// 成员必须全局唯一，否则同一毫秒内的两次事件会互相覆盖。
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	var decision Decision
	err := s.pool.WithConn(ctx, func(pc *PooledConn) error {
		res, err := pc.Eval(ctx, slidingWindowScript, []string{s.prefix + key},
			cutoff, limit, nowMs, member, window.Milliseconds())
		if err != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeRateLimitCheckFailed, err, "滑动窗口判定失败")
		}
		allowed, count, err := evalDecision(res)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeRateLimitCheckFailed, err, "滑动窗口返回值异常")
		}
		decision = Decision{Allowed: allowed, Count: count, Limit: limit}
		return nil
	})
	return decision, err
}

// evalDecision 解析脚本返回的 {allowed, count} 二元组。
func evalDecision(res interface{}) (bool, int64, error) {
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("期望二元组，实际为 %T", res)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("allowed 字段类型异常: %T", values[0])
	}
	count, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("count 字段类型异常: %T", values[1])
	}
	return allowed == 1, count, nil
}
