package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"RedisGate/internal/monitor"
	"RedisGate/internal/storage/redis"
)

// HealthSource 是服务端对监控器的最小依赖。
type HealthSource interface {
	Status() monitor.Status
	Snapshot() monitor.HealthSnapshot
}

// Limiter 是服务端对限流器的最小依赖。
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (redis.Decision, error)
}

// Server 负责暴露健康与统计接口，供外部探活与观测。
type Server struct {
	addr    string
	health  HealthSource
	limiter Limiter
	limit   int64
	window  time.Duration
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, health HealthSource, limiter Limiter, limit int64, window time.Duration) *Server {
	return &Server{addr: addr, health: health, limiter: limiter, limit: limit, window: window}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/limited", s.handleLimited)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleHealth 返回三态健康信号，Down 时用 503 便于探活器直接判断。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.health == nil {
		http.Error(w, "监控器未初始化", http.StatusServiceUnavailable)
		return
	}
	status := s.health.Status()
	code := http.StatusOK
	if status == monitor.StatusDown {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(status)})
}

// handleStats 返回完整的健康快照，含池计数与存储统计。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.health == nil {
		http.Error(w, "监控器未初始化", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.health.Snapshot())
}

// handleLimited 按调用方 key 执行固定窗口限流。判定无法计算时
// 拒绝放行（fail-closed），绝不把传输失败当作放行处理。
func (s *Server) handleLimited(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		http.Error(w, "限流器未初始化", http.StatusServiceUnavailable)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		} else {
			key = r.RemoteAddr
		}
	}
	decision, err := s.limiter.Allow(r.Context(), key, s.limit, s.window)
	if err != nil {
		http.Error(w, "限流判定失败", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !decision.Allowed {
		w.WriteHeader(http.StatusTooManyRequests)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"allowed": decision.Allowed,
		"count":   decision.Count,
		"limit":   decision.Limit,
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
