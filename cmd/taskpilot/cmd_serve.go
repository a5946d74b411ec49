package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"TaskPilot/internal/api"
	"TaskPilot/internal/config"
	"TaskPilot/internal/observability/alerting"
	"TaskPilot/internal/task"
	"TaskPilot/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the async task workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	store, err := newTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := newTaskQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	service := task.NewService(store, queue, cfg.Task.MaxRetries)
	processor := task.NewProcessor(rt.agent, store, queue, queue,
		task.WithWorkerCount(cfg.Task.Workers),
		task.WithProcessorLogger(logger.Named("task.processor")),
		task.WithAlertDispatcher(newAlertDispatcher(cfg)),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, service,
		api.WithAsker(rt.agent),
		api.WithEventSource(rt.recorder),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Task.Store.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, task.MySQLConfig{DSN: cfg.Task.Store.DSN})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Task.Store.Driver)
	}
}

func newTaskQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	queueCfg := cfg.Task.Queue
	switch queueCfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(queueCfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  queueCfg.Redis.Address,
			Password: queueCfg.Redis.Password,
			DB:       queueCfg.Redis.DB,
			Queue:    queueCfg.Redis.Prefix,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      queueCfg.RabbitMQ.URL,
			Queue:    queueCfg.RabbitMQ.Queue,
			Prefetch: queueCfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", queueCfg.Driver)
	}
}

// newAlertDispatcher 汇总日志与 webhook 告警渠道。
func newAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Alerting.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.Webhook.URL,
			Headers: cfg.Alerting.Webhook.Headers,
		})
	}
	return alerting.NewFanout(notifiers...)
}
