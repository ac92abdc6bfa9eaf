package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"RedisGate/internal/observability/alerting"
	"RedisGate/internal/storage/redis"
)

// probeConn 直接实现存储连接接口，按需注入探测失败。
type probeConn struct {
	mu      sync.Mutex
	pingErr error
	infoErr error
	info    string
	pings   int
}

func (c *probeConn) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *probeConn) SetNX(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	return false, errors.New("not implemented")
}

func (c *probeConn) Eval(_ context.Context, _ string, _ []string, _ ...interface{}) (interface{}, error) {
	return nil, errors.New("not implemented")
}

func (c *probeConn) Get(_ context.Context, _ string) (string, error) {
	return "", errors.New("not implemented")
}

func (c *probeConn) Info(_ context.Context, _ ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.infoErr
}

func (c *probeConn) Close() error { return nil }

func (c *probeConn) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *probeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// fakeSource 用单个假连接充当连接池。
type fakeSource struct {
	conn *probeConn

	mu    sync.Mutex
	stats redis.PoolStats
}

func (s *fakeSource) WithConn(_ context.Context, fn func(*redis.PooledConn) error) error {
	return fn(&redis.PooledConn{Conn: s.conn})
}

func (s *fakeSource) Stats() redis.PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *fakeSource) setStats(stats redis.PoolStats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingDispatcher) recorded() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func newTestMonitor(cfg Config, opts ...Option) (*Monitor, *fakeSource) {
	source := &fakeSource{conn: &probeConn{}}
	source.setStats(redis.PoolStats{MaxTotal: 10})
	return New(source, cfg, opts...), source
}

func TestMonitorFailureTransitions(t *testing.T) {
	recorder := &recordingDispatcher{}
	m, source := newTestMonitor(Config{DegradedAfter: 1, DownAfter: 3}, WithAlertDispatcher(recorder))
	ctx := context.Background()

	m.runHealthCheck(ctx)
	if got := m.Status(); got != StatusUp {
		t.Fatalf("healthy probe should report up, got %s", got)
	}

	source.conn.setPingErr(errors.New("connection refused"))
	m.runHealthCheck(ctx)
	if got := m.Status(); got != StatusDegraded {
		t.Fatalf("first failure should degrade, got %s", got)
	}
	m.runHealthCheck(ctx)
	if got := m.Status(); got != StatusDegraded {
		t.Fatalf("second failure stays degraded, got %s", got)
	}
	m.runHealthCheck(ctx)
	if got := m.Status(); got != StatusDown {
		t.Fatalf("third consecutive failure should mark down, got %s", got)
	}

	source.conn.setPingErr(nil)
	m.runHealthCheck(ctx)
	if got := m.Status(); got != StatusUp {
		t.Fatalf("successful probe should recover to up, got %s", got)
	}

	events := recorder.recorded()
	if len(events) != 3 {
		t.Fatalf("expected 3 transition alerts, got %d: %+v", len(events), events)
	}
	want := [][2]string{
		{"up", "degraded"},
		{"degraded", "down"},
		{"down", "up"},
	}
	for i, pair := range want {
		if events[i].Previous != pair[0] || events[i].Current != pair[1] {
			t.Fatalf("alert %d: expected %s->%s, got %s->%s",
				i, pair[0], pair[1], events[i].Previous, events[i].Current)
		}
	}
}

func TestMonitorRollingErrorWindowDegrades(t *testing.T) {
	// 阈值设得比连续失败阈值小得多，确保触发的是滚动窗口规则。
	m, source := newTestMonitor(Config{
		DegradedAfter:  5,
		DownAfter:      10,
		ErrorThreshold: 2,
		ErrorWindow:    time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		source.conn.setPingErr(errors.New("broken pipe"))
		m.runHealthCheck(ctx)
		source.conn.setPingErr(nil)
		m.runHealthCheck(ctx)
	}

	// 最后一次探测成功，consecFails 已归零，但窗口内累计 3 次错误。
	if got := m.Status(); got != StatusDegraded {
		t.Fatalf("accumulated errors should degrade despite healthy probe, got %s", got)
	}
}

func TestMonitorUtilizationDegrades(t *testing.T) {
	m, source := newTestMonitor(Config{DegradedAfter: 1, DownAfter: 3, UtilizationBand: 0.9})
	ctx := context.Background()

	source.setStats(redis.PoolStats{Active: 9, MaxTotal: 10})
	m.runHealthCheck(ctx)
	if got := m.Status(); got != StatusDegraded {
		t.Fatalf("pool at 90%% utilization should degrade, got %s", got)
	}

	source.setStats(redis.PoolStats{Active: 3, MaxTotal: 10})
	m.runHealthCheck(ctx)
	if got := m.Status(); got != StatusUp {
		t.Fatalf("released capacity should recover to up, got %s", got)
	}
}

func TestMonitorSnapshot(t *testing.T) {
	m, source := newTestMonitor(Config{DegradedAfter: 1, DownAfter: 3})
	ctx := context.Background()

	source.conn.info = "# Memory\r\nused_memory:2048000\r\n" +
		"connected_clients:12\r\n" +
		"total_commands_processed:98765\r\n" +
		"db0:keys=150,expires=10,avg_ttl=3600\r\n" +
		"db1:keys=50,expires=0,avg_ttl=0\r\n"
	source.setStats(redis.PoolStats{Active: 2, Idle: 3, MaxTotal: 10})

	m.runHealthCheck(ctx)
	m.collectMetrics(ctx)

	snap := m.Snapshot()
	if snap.Status != StatusUp {
		t.Fatalf("expected up, got %s", snap.Status)
	}
	if snap.Store.UsedMemoryBytes != 2048000 {
		t.Fatalf("used_memory mismatch: %d", snap.Store.UsedMemoryBytes)
	}
	if snap.Store.ConnectedClients != 12 {
		t.Fatalf("connected_clients mismatch: %d", snap.Store.ConnectedClients)
	}
	if snap.Store.TotalCommands != 98765 {
		t.Fatalf("total_commands mismatch: %d", snap.Store.TotalCommands)
	}
	if snap.Store.Keys != 200 {
		t.Fatalf("keyspace sum mismatch: %d", snap.Store.Keys)
	}
	if snap.Pool.MaxTotal != 10 || snap.Pool.Idle != 3 {
		t.Fatalf("pool stats not carried into snapshot: %+v", snap.Pool)
	}
	if snap.CheckedAt.IsZero() {
		t.Fatal("checked_at should record the probe time")
	}
	if snap.ConnectionErrors != 0 {
		t.Fatalf("healthy run should not count errors, got %d", snap.ConnectionErrors)
	}
}

func TestMonitorMetricsFailureCountsOperationError(t *testing.T) {
	m, source := newTestMonitor(Config{DegradedAfter: 1, DownAfter: 3})
	source.conn.infoErr = errors.New("i/o timeout")

	m.collectMetrics(context.Background())

	if snap := m.Snapshot(); snap.OperationErrors != 1 {
		t.Fatalf("expected 1 operation error, got %d", snap.OperationErrors)
	}
}

func TestMonitorStartStop(t *testing.T) {
	m, source := newTestMonitor(Config{
		HealthInterval:  5 * time.Millisecond,
		MetricsInterval: time.Hour,
		DegradedAfter:   1,
		DownAfter:       3,
	})

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx) // 重复启动无害

	deadline := time.Now().Add(2 * time.Second)
	for source.conn.pingCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("periodic probes never ran")
		}
		time.Sleep(time.Millisecond)
	}

	m.Stop()
	after := source.conn.pingCount()
	time.Sleep(30 * time.Millisecond)
	if got := source.conn.pingCount(); got != after {
		t.Fatalf("probe ran after Stop: %d -> %d", after, got)
	}
	m.Stop() // 重复停止无害
}

func TestParseStoreInfo(t *testing.T) {
	stats := parseStoreInfo("# Server\r\n" +
		"redis_version:7.2.4\r\n" +
		"used_memory:1024\r\n" +
		"connected_clients:5\r\n" +
		"malformed line without separator\r\n" +
		"total_commands_processed:42\r\n" +
		"# Keyspace\r\n" +
		"db0:keys=7,expires=1,avg_ttl=100\r\n" +
		"db2:keys=3,expires=0,avg_ttl=0\r\n")

	if stats.UsedMemoryBytes != 1024 {
		t.Fatalf("used_memory: %d", stats.UsedMemoryBytes)
	}
	if stats.ConnectedClients != 5 {
		t.Fatalf("connected_clients: %d", stats.ConnectedClients)
	}
	if stats.TotalCommands != 42 {
		t.Fatalf("total_commands_processed: %d", stats.TotalCommands)
	}
	if stats.Keys != 10 {
		t.Fatalf("keyspace sum: %d", stats.Keys)
	}
}

func TestParseStoreInfoEmpty(t *testing.T) {
	if stats := parseStoreInfo(""); stats != (StoreStats{}) {
		t.Fatalf("empty info should parse to zero stats: %+v", stats)
	}
}
