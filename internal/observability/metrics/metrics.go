package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	counters map[string]uint64
	gauges   map[string]float64
	latency  map[string]*histogram
	help     map[string]string
}

var storeCollector = &collector{
	counters: make(map[string]uint64),
	gauges:   make(map[string]float64),
	latency:  make(map[string]*histogram),
	help: map[string]string{
		"redisgate_connection_errors_total":  "Number of store connection errors observed by the monitor.",
		"redisgate_operation_errors_total":   "Number of store operation errors observed by the monitor.",
		"redisgate_pool_active_connections":  "Connections currently borrowed from the pool.",
		"redisgate_pool_idle_connections":    "Connections currently idle in the pool.",
		"redisgate_pool_max_connections":     "Configured upper bound on pool connections.",
		"redisgate_store_used_memory_bytes":  "Memory used by the store as reported by INFO.",
		"redisgate_store_connected_clients":  "Client connections reported by the store.",
		"redisgate_store_commands_total":     "Commands processed by the store since startup.",
		"redisgate_store_keys":               "Total keys across store databases.",
		"redisgate_probe_duration_seconds":   "Liveness probe round-trip latency.",
		"redisgate_health_status":            "Current health status (0=up, 1=degraded, 2=down).",
	},
}

// IncCounter increments a named counter by one.
func IncCounter(name string) {
	AddCounter(name, 1)
}

// AddCounter increments a named counter by n.
func AddCounter(name string, n uint64) {
	storeCollector.mu.Lock()
	storeCollector.counters[name] += n
	storeCollector.mu.Unlock()
}

// SetGauge sets a named gauge to the given value.
func SetGauge(name string, value float64) {
	storeCollector.mu.Lock()
	storeCollector.gauges[name] = value
	storeCollector.mu.Unlock()
}

// ObserveProbeLatency records one liveness probe round trip.
func ObserveProbeLatency(d time.Duration) {
	storeCollector.mu.Lock()
	defer storeCollector.mu.Unlock()
	hist := storeCollector.latency["redisgate_probe_duration_seconds"]
	if hist == nil {
		hist = newHistogram()
		storeCollector.latency["redisgate_probe_duration_seconds"] = hist
	}
	hist.observe(d.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values above the last bucket are covered by the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, storeCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	counterNames := make([]string, 0, len(c.counters))
	for name := range c.counters {
		counterNames = append(counterNames, name)
	}
	sort.Strings(counterNames)
	for _, name := range counterNames {
		c.writeHeader(&builder, name, "counter")
		builder.WriteString(fmt.Sprintf("%s %d\n", name, c.counters[name]))
	}

	gaugeNames := make([]string, 0, len(c.gauges))
	for name := range c.gauges {
		gaugeNames = append(gaugeNames, name)
	}
	sort.Strings(gaugeNames)
	for _, name := range gaugeNames {
		c.writeHeader(&builder, name, "gauge")
		builder.WriteString(fmt.Sprintf("%s %s\n", name, formatFloat(c.gauges[name])))
	}

	latencyNames := make([]string, 0, len(c.latency))
	for name := range c.latency {
		latencyNames = append(latencyNames, name)
	}
	sort.Strings(latencyNames)
	for _, name := range latencyNames {
		hist := c.latency[name]
		c.writeHeader(&builder, name, "histogram")
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, hist.count))
		builder.WriteString(fmt.Sprintf("%s_sum %s\n", name, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("%s_count %d\n", name, hist.count))
	}

	return builder.String()
}

func (c *collector) writeHeader(builder *strings.Builder, name, kind string) {
	if help, ok := c.help[name]; ok {
		builder.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	}
	builder.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, kind))
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
