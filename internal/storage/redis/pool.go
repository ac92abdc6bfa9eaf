package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "RedisGate/internal/errors"
	"RedisGate/pkg/logger"
)

// PoolConfig 描述连接池的容量与回收策略，构造后不可变。
type PoolConfig struct {
	MaxTotal         int
	MaxIdle          int
	MinIdle          int
	MaxWait          time.Duration
	TestOnBorrow     bool
	EvictionInterval time.Duration
	IdleTimeout      time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxTotal <= 0 {
		c.MaxTotal = 16
	}
	if c.MaxIdle <= 0 || c.MaxIdle > c.MaxTotal {
		c.MaxIdle = c.MaxTotal
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MinIdle > c.MaxIdle {
		c.MinIdle = c.MaxIdle
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// PoolStats 是池状态的一次性快照。
type PoolStats struct {
	Active   int    `json:"active"`
	Idle     int    `json:"idle"`
	MaxTotal int    `json:"max_total"`
	Created  uint64 `json:"created"`
	Borrowed uint64 `json:"borrowed"`
	Returned uint64 `json:"returned"`
}

// PooledConn 是借出给调用方的连接。借用期间由调用方独占，
// 归还后重新由池管理。
type PooledConn struct {
	Conn
	createdAt time.Time
	idleSince time.Time
	broken    bool
}

// MarkBroken 标记连接已不可用，归还时池会销毁而不是复用它。
func (c *PooledConn) MarkBroken() {
	c.broken = true
}

// CreatedAt 返回连接的创建时间。
func (c *PooledConn) CreatedAt() time.Time {
	return c.createdAt
}

// Pool 是有界的连接池。borrow/return/evict 共用一把互斥锁，
// 保证在任何交错下总连接数不超过 MaxTotal，也不会把已回收的
// 连接交给借用方。
type Pool struct {
	cfg     PoolConfig
	factory Factory
	log     *slog.Logger

	mu      sync.Mutex
	idle    []*PooledConn
	waiters []chan *PooledConn
	numOpen int
	closed  bool

	created  uint64
	borrowed uint64
	returned uint64

	stopEvict chan struct{}
	evictDone chan struct{}
}

// NewPool 构造连接池。EvictionInterval 大于零时会启动后台回收协程。
func NewPool(factory Factory, cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     logger.Named("pool"),
	}
	if cfg.EvictionInterval > 0 {
		p.stopEvict = make(chan struct{})
		p.evictDone = make(chan struct{})
		go p.evictLoop()
	}
	return p
}

// Borrow 借出一条经过校验的连接。在 MaxWait 内没有连接可用时
// 返回 POOL_EXHAUSTED；池已关闭时返回 POOL_CLOSED。
func (p *Pool) Borrow(ctx context.Context) (*PooledConn, error) {
	deadline := time.Now().Add(p.cfg.MaxWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, xerrors.New(xerrors.CodePoolClosed, "")
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if pc, ok := p.validate(ctx, pc); ok {
				return pc, nil
			}
			// 校验失败的连接已被销毁，释放出的容量允许本轮重建。
			continue
		}

		if p.numOpen < p.cfg.MaxTotal {
			p.numOpen++
			p.mu.Unlock()
			conn, err := p.factory.Create(ctx)
			if err != nil {
				// 创建失败必须释放占用的容量槽位，否则池会永久缩水。
				p.mu.Lock()
				p.numOpen--
				p.wakeOneLocked()
				p.mu.Unlock()
				return nil, xerrors.Wrap(xerrors.CodeCreateFailed, err, "创建存储连接失败")
			}
			pc := &PooledConn{Conn: conn, createdAt: time.Now()}
			p.mu.Lock()
			p.created++
			p.borrowed++
			p.mu.Unlock()
			return pc, nil
		}

		wait := make(chan *PooledConn, 1)
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		pc, err := p.await(ctx, wait, deadline)
		if err != nil {
			return nil, err
		}
		if pc == nil {
			// 只是容量被释放，回到循环重新竞争。
			continue
		}
		if pc, ok := p.validate(ctx, pc); ok {
			return pc, nil
		}
	}
}

// validate 在借出前按需校验连接；失败时销毁并返回 false。
func (p *Pool) validate(ctx context.Context, pc *PooledConn) (*PooledConn, bool) {
	if p.cfg.TestOnBorrow {
		if err := pc.Ping(ctx); err != nil {
			p.log.Warn("借出校验失败，销毁连接", slog.Any("error", err))
			p.discard(pc)
			return nil, false
		}
	}
	p.mu.Lock()
	p.borrowed++
	p.mu.Unlock()
	return pc, true
}

// await 等待归还的连接、释放的容量或超时。
func (p *Pool) await(ctx context.Context, wait chan *PooledConn, deadline time.Time) (*PooledConn, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return p.abandon(wait)
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case pc, ok := <-wait:
		if !ok {
			return nil, xerrors.New(xerrors.CodePoolClosed, "")
		}
		return pc, nil
	case <-timer.C:
		return p.abandon(wait)
	case <-ctx.Done():
		pc, err := p.abandon(wait)
		if pc != nil {
			return pc, nil
		}
		if xerrors.CodeOf(err) == xerrors.CodePoolExhausted {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "借用连接被取消")
		}
		return nil, err
	}
}

// abandon 将等待者从队列移除。若移除前已经有连接被派发过来，
// 则照常使用那条连接。
func (p *Pool) abandon(wait chan *PooledConn) (*PooledConn, error) {
	p.mu.Lock()
	removed := false
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if removed {
		return nil, xerrors.New(xerrors.CodePoolExhausted, "等待连接超时")
	}
	// 已被摘出队列，派发一定会完成。
	pc, ok := <-wait
	if !ok {
		return nil, xerrors.New(xerrors.CodePoolClosed, "")
	}
	return pc, nil
}

// Return 归还连接。池已关闭或连接被标记损坏时直接销毁。
func (p *Pool) Return(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	p.returned++
	if p.closed || pc.broken {
		p.numOpen--
		if !p.closed {
			p.wakeOneLocked()
		}
		p.mu.Unlock()
		_ = pc.Conn.Close()
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		p.mu.Unlock()
		w <- pc
		return
	}
	if len(p.idle) >= p.cfg.MaxIdle {
		p.numOpen--
		p.mu.Unlock()
		_ = pc.Conn.Close()
		return
	}
	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// WithConn 借出连接执行回调并保证归还，对应调用方的自动借还协议。
func (p *Pool) WithConn(ctx context.Context, fn func(*PooledConn) error) error {
	pc, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	defer p.Return(pc)
	return fn(pc)
}

// Stats 返回当前计数的快照。
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Active:   p.numOpen - len(p.idle),
		Idle:     len(p.idle),
		MaxTotal: p.cfg.MaxTotal,
		Created:  p.created,
		Borrowed: p.borrowed,
		Returned: p.returned,
	}
}

// Close 关闭连接池：清空空闲连接，唤醒所有等待者并让其得到
// POOL_CLOSED。重复调用是无害的。
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.numOpen -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, pc := range idle {
		_ = pc.Conn.Close()
	}
	if p.stopEvict != nil {
		close(p.stopEvict)
		<-p.evictDone
	}
	return nil
}

// discard 销毁一条连接并释放它占用的容量。
func (p *Pool) discard(pc *PooledConn) {
	p.mu.Lock()
	p.numOpen--
	p.wakeOneLocked()
	p.mu.Unlock()
	_ = pc.Conn.Close()
}

// wakeOneLocked 派发一个空信号，通知最早的等待者有容量可用。
func (p *Pool) wakeOneLocked() {
	if w := p.popWaiterLocked(); w != nil {
		w <- nil
	}
}

func (p *Pool) popWaiterLocked() chan *PooledConn {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) evictLoop() {
	defer close(p.evictDone)
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopEvict:
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
		}
	}
}

// evictIdle 回收空闲超过阈值的连接，但保留 MinIdle 的下限。
// 空闲队列按归还时间排列，队首最旧。
func (p *Pool) evictIdle(now time.Time) {
	cutoff := now.Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var evicted []*PooledConn
	for len(p.idle) > p.cfg.MinIdle && p.idle[0].idleSince.Before(cutoff) {
		evicted = append(evicted, p.idle[0])
		p.idle = p.idle[1:]
		p.numOpen--
	}
	if len(evicted) > 0 {
		p.wakeOneLocked()
	}
	p.mu.Unlock()

	for _, pc := range evicted {
		_ = pc.Conn.Close()
	}
	if len(evicted) > 0 {
		p.log.Debug("回收空闲连接", slog.Int("count", len(evicted)))
	}
}
