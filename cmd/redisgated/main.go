package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"RedisGate/internal/api"
	"RedisGate/internal/config"
	"RedisGate/internal/monitor"
	"RedisGate/internal/observability/alerting"
	"RedisGate/internal/observability/metrics"
	"RedisGate/internal/storage/redis"
	"RedisGate/pkg/logger"
)

// main 是 RedisGate 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("redisgated 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("REDISGATE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "redisgate.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Events: logger.EventLogConfig{
			Enabled:    cfg.Logging.Events.Enabled,
			Path:       cfg.Logging.Events.Path,
			MaxSizeMB:  cfg.Logging.Events.MaxSizeMB,
			MaxBackups: cfg.Logging.Events.MaxBackups,
			MaxAgeDays: cfg.Logging.Events.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	factory, err := redis.NewClientFactory(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer factory.Close()

	pool := redis.NewPool(factory, redis.PoolConfig{
		MaxTotal:         cfg.Pool.MaxTotal,
		MaxIdle:          cfg.Pool.MaxIdle,
		MinIdle:          cfg.Pool.MinIdle,
		MaxWait:          cfg.Pool.MaxWait(),
		TestOnBorrow:     cfg.Pool.TestOnBorrow,
		EvictionInterval: cfg.Pool.EvictionInterval(),
		IdleTimeout:      cfg.Pool.IdleTimeout(),
	})
	defer pool.Close()

	// 告警通道：AMQP 未配置时只写事件日志。
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.AMQPURL != "" {
		amqpNotifier, err := alerting.NewAMQPNotifier(alerting.AMQPConfig{
			URL:   cfg.Alerting.AMQPURL,
			Queue: cfg.Alerting.AMQPQueue,
		})
		if err != nil {
			return err
		}
		defer amqpNotifier.Close()
		notifiers = append(notifiers, amqpNotifier)
	}

	mon := monitor.New(pool, monitor.Config{
		HealthInterval:  cfg.Monitor.HealthInterval(),
		MetricsInterval: cfg.Monitor.MetricsInterval(),
		DegradedAfter:   cfg.Monitor.DegradedAfter,
		DownAfter:       cfg.Monitor.DownAfter,
		ErrorThreshold:  cfg.Monitor.ErrorThreshold,
		UtilizationBand: cfg.Monitor.UtilizationBand,
	}, monitor.WithAlertDispatcher(alerting.NewFanout(notifiers...)))
	mon.Start(ctx)
	defer mon.Stop()

	go func() {
		if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("指标服务异常退出", slog.Any("error", err))
		}
	}()

	limiter := redis.NewFixedWindowLimiter(pool, cfg.RateLimit.Prefix)
	server := api.NewServer(cfg.Server.Address, mon, limiter,
		cfg.RateLimit.DefaultLimit, cfg.RateLimit.DefaultWindow())

	logger.L().Info("redisgated 已启动",
		slog.String("api_addr", cfg.Server.Address),
		slog.String("metrics_addr", cfg.Server.MetricsAddress),
		slog.String("store_addr", cfg.Redis.Addr()),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
