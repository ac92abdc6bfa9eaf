package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "RedisGate/internal/errors"
	"RedisGate/internal/observability/alerting"
	"RedisGate/internal/observability/metrics"
	"RedisGate/internal/storage/redis"
	"RedisGate/pkg/logger"
)

// Status 是三态健康信号。
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// gaugeValue 把状态映射为指标值。
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusDegraded:
		return 1
	case StatusDown:
		return 2
	default:
		return 0
	}
}

// severity 返回状态对应的告警级别。
func (s Status) severity() xerrors.Severity {
	switch s {
	case StatusDown:
		return xerrors.SeverityCritical
	case StatusDegraded:
		return xerrors.SeverityWarning
	default:
		return xerrors.SeverityInfo
	}
}

// ConnSource 是监控器对连接池的最小依赖。
type ConnSource interface {
	WithConn(ctx context.Context, fn func(*redis.PooledConn) error) error
	Stats() redis.PoolStats
}

// StoreStats 是存储端通过 INFO 上报的统计信息。
type StoreStats struct {
	UsedMemoryBytes  int64 `json:"used_memory_bytes"`
	ConnectedClients int64 `json:"connected_clients"`
	TotalCommands    int64 `json:"total_commands"`
	Keys             int64 `json:"keys"`
}

// HealthSnapshot 是一次监控周期的完整快照，每个周期重建，
// 不保留历史。
type HealthSnapshot struct {
	Status           Status          `json:"status"`
	LastLatency      time.Duration   `json:"last_latency_ns"`
	ConnectionErrors int64           `json:"connection_errors"`
	OperationErrors  int64           `json:"operation_errors"`
	Store            StoreStats      `json:"store"`
	Pool             redis.PoolStats `json:"pool"`
	CheckedAt        time.Time       `json:"checked_at"`
}

// Config 描述监控器的调度周期与状态阈值。
type Config struct {
	HealthInterval  time.Duration
	MetricsInterval time.Duration
	// DegradedAfter/DownAfter 是连续探测失败次数的阈值。
	DegradedAfter int
	DownAfter     int
	// ErrorThreshold 针对滚动窗口内的连接错误数。
	ErrorThreshold int64
	ErrorWindow    time.Duration
	// UtilizationBand 是判定池接近耗尽的占用率下界。
	UtilizationBand float64
}

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 1
	}
	if c.DownAfter < c.DegradedAfter {
		c.DownAfter = c.DegradedAfter + 2
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 5 * time.Minute
	}
	if c.UtilizationBand <= 0 || c.UtilizationBand > 1 {
		c.UtilizationBand = 0.9
	}
}

// Monitor 周期性地检查存储可达性与资源占用。它是唯一允许就地
// 吸收传输错误的组件：失败不逐次上抛，而是汇聚成健康状态。
type Monitor struct {
	pool     ConnSource
	cfg      Config
	alerter  alerting.Dispatcher
	log      *slog.Logger
	throttle *rate.Limiter

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	status      Status
	lastLatency time.Duration
	checkedAt   time.Time
	consecFails int
	connErrors  int64
	opErrors    int64
	recentErrs  []time.Time
	store       StoreStats
}

// Option 定义可选配置。
type Option func(*Monitor)

// WithAlertDispatcher 配置状态迁移时的告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(m *Monitor) {
		m.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// New 构造监控器。
func New(pool ConnSource, cfg Config, opts ...Option) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		pool:   pool,
		cfg:    cfg,
		log:    logger.Named("monitor"),
		status: StatusUp,
		// 重复失败的日志与告警限速，避免抖动的存储刷爆通道。
		throttle: rate.NewLimiter(rate.Every(time.Minute), 3),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start 启动探测协程，重复调用是无害的。
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(runCtx, m.cfg.HealthInterval, m.runHealthCheck)
	}()
	go func() {
		defer wg.Done()
		m.loop(runCtx, m.cfg.MetricsInterval, m.collectMetrics)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	m.log.Info("监控器已启动",
		slog.Duration("health_interval", m.cfg.HealthInterval),
		slog.Duration("metrics_interval", m.cfg.MetricsInterval),
	)
}

// Stop 取消所有排期任务并在限定时间内等待在途探测结束，
// 返回后保证不会再有探测运行。重复调用是无害的。
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.log.Warn("等待在途探测超时")
	}
	m.log.Info("监控器已停止")
}

// loop 先立即执行一次，再按周期调度。
func (m *Monitor) loop(ctx context.Context, interval time.Duration, probe func(context.Context)) {
	probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe(ctx)
		}
	}
}

// runHealthCheck 借出连接做一次往返探测并记录时延。
func (m *Monitor) runHealthCheck(ctx context.Context) {
	start := time.Now()
	err := m.pool.WithConn(ctx, func(pc *redis.PooledConn) error {
		if pingErr := pc.Ping(ctx); pingErr != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeTransportFailure, pingErr, "存活探测失败")
		}
		return nil
	})
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	metrics.ObserveProbeLatency(latency)

	poolStats := m.pool.Stats()
	now := time.Now()

	m.mu.Lock()
	m.lastLatency = latency
	m.checkedAt = now
	if err != nil {
		m.connErrors++
		m.consecFails++
		m.recentErrs = append(m.recentErrs, now)
		metrics.IncCounter("redisgate_connection_errors_total")
	} else {
		m.consecFails = 0
	}
	m.pruneErrorsLocked(now)
	prev := m.status
	m.status = m.deriveLocked(poolStats)
	current := m.status
	m.mu.Unlock()

	metrics.SetGauge("redisgate_health_status", current.gaugeValue())

	if prev != current {
		m.emitTransition(ctx, prev, current, err)
		return
	}
	if err != nil && m.throttle.Allow() {
		m.log.Warn("存活探测失败", slog.Any("error", err), slog.Duration("latency", latency))
	}
}

// collectMetrics 拉取存储端统计并更新池与存储的指标。
func (m *Monitor) collectMetrics(ctx context.Context) {
	var info string
	err := m.pool.WithConn(ctx, func(pc *redis.PooledConn) error {
		raw, infoErr := pc.Info(ctx)
		if infoErr != nil {
			pc.MarkBroken()
			return xerrors.Wrap(xerrors.CodeTransportFailure, infoErr, "获取存储统计失败")
		}
		info = raw
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.mu.Lock()
		m.opErrors++
		m.mu.Unlock()
		metrics.IncCounter("redisgate_operation_errors_total")
		if m.throttle.Allow() {
			m.log.Warn("指标采集失败", slog.Any("error", err))
		}
		return
	}

	stats := parseStoreInfo(info)
	m.mu.Lock()
	m.store = stats
	m.mu.Unlock()

	metrics.SetGauge("redisgate_store_used_memory_bytes", float64(stats.UsedMemoryBytes))
	metrics.SetGauge("redisgate_store_connected_clients", float64(stats.ConnectedClients))
	metrics.SetGauge("redisgate_store_commands_total", float64(stats.TotalCommands))
	metrics.SetGauge("redisgate_store_keys", float64(stats.Keys))

	poolStats := m.pool.Stats()
	metrics.SetGauge("redisgate_pool_active_connections", float64(poolStats.Active))
	metrics.SetGauge("redisgate_pool_idle_connections", float64(poolStats.Idle))
	metrics.SetGauge("redisgate_pool_max_connections", float64(poolStats.MaxTotal))
}

// deriveLocked 按阈值推导健康状态。
func (m *Monitor) deriveLocked(poolStats redis.PoolStats) Status {
	if m.consecFails >= m.cfg.DownAfter {
		return StatusDown
	}
	if m.consecFails >= m.cfg.DegradedAfter {
		return StatusDegraded
	}
	if int64(len(m.recentErrs)) > m.cfg.ErrorThreshold {
		return StatusDegraded
	}
	if poolStats.MaxTotal > 0 &&
		float64(poolStats.Active) >= m.cfg.UtilizationBand*float64(poolStats.MaxTotal) {
		return StatusDegraded
	}
	return StatusUp
}

// pruneErrorsLocked 裁掉滚动窗口之外的错误记录。
func (m *Monitor) pruneErrorsLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.ErrorWindow)
	idx := 0
	for idx < len(m.recentErrs) && m.recentErrs[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.recentErrs = m.recentErrs[idx:]
	}
}

// emitTransition 记录状态迁移并派发告警。恶化方向受限速约束，
// 恢复为 Up 时总是通知。
func (m *Monitor) emitTransition(ctx context.Context, prev, current Status, cause error) {
	logger.Events().Warn("健康状态迁移",
		slog.String("previous", string(prev)),
		slog.String("current", string(current)),
	)
	if m.alerter == nil {
		return
	}
	if current != StatusUp && !m.throttle.Allow() {
		return
	}
	event := alerting.Event{
		Previous:   string(prev),
		Current:    string(current),
		Severity:   current.severity(),
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
	} else {
		event.Message = "health status changed"
	}
	if err := m.alerter.Notify(ctx, event); err != nil {
		m.log.Warn("派发健康告警失败", slog.Any("error", err))
	}
}

// Status 返回当前健康状态。
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot 返回当前健康快照。
func (m *Monitor) Snapshot() HealthSnapshot {
	poolStats := m.pool.Stats()
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthSnapshot{
		Status:           m.status,
		LastLatency:      m.lastLatency,
		ConnectionErrors: m.connErrors,
		OperationErrors:  m.opErrors,
		Store:            m.store,
		Pool:             poolStats,
		CheckedAt:        m.checkedAt,
	}
}
