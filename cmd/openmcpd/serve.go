package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Swarm/internal/api"
	"OpenMCP-Swarm/internal/events"
	"OpenMCP-Swarm/internal/observability/metrics"
	"OpenMCP-Swarm/internal/task"
	"OpenMCP-Swarm/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP API、作业处理器与清扫器",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}()
	cfg := a.cfg

	authSvc, err := openAuth(cfg.Auth)
	if err != nil {
		return err
	}
	queue, err := task.OpenQueue(ctx, cfg.TaskQueue, logger.Named("task"))
	if err != nil {
		return err
	}
	store, err := task.OpenStore(ctx, cfg.TaskQueue)
	if err != nil {
		_ = queue.Close()
		return err
	}
	if cfg.TaskQueue.Store == "memory" && cfg.TaskQueue.Driver != "memory" {
		logger.L().Warn("共享队列搭配内存作业存储，其他进程提交的作业无法领取",
			slog.String("task_queue", cfg.TaskQueue.Driver))
	}
	jobs := task.NewService(store, queue, cfg.TaskQueue.MaxRetries)
	a.onClose(jobs.Close)

	processor := task.NewProcessor(a.engine, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(a.alerts),
	)

	server := api.NewServer(cfg.Server.Address, a.engine,
		api.WithJobs(jobs),
		api.WithAuth(authSvc),
		api.WithLogger(logger.Named("api")),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	a.engine.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return processor.Start(gctx) })
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
	}
	if a.bus.Subscriber != nil {
		g.Go(func() error { return tailEvents(gctx, a.bus) })
	}

	logger.L().Info("openmcpd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("checkpoint", cfg.Checkpoint.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("job_store", cfg.TaskQueue.Store),
		slog.String("auth", cfg.Auth.Mode),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("openmcpd 已停止")
	return nil
}

// tailEvents 在 watermill 驱动下订阅进程内事件并写入调试日志。
func tailEvents(ctx context.Context, bus *events.Bus) error {
	stream, err := events.Subscribe(ctx, bus.Subscriber, bus.Topic)
	if err != nil {
		return err
	}
	l := logger.Named("events")
	for event := range stream {
		l.Debug("执行事件",
			slog.String("type", string(event.Type)),
			slog.String("thread_id", event.ThreadID),
		)
	}
	return nil
}
