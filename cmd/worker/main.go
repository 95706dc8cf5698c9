// The worker executes pipeline stages: it consumes the stage queues, the
// process-creation queue, the cancel-command queue, and the compensation
// queue, publishing lifecycle events as work progresses.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/cancel"
	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/consumer"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/executor"
	"github.com/mqmon/mqmon/internal/ids"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/metrics"
	"github.com/mqmon/mqmon/internal/service"
)

func main() {
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", err, nil)
		os.Exit(1)
	}
	logger.Info("worker starting", logging.LogFields{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited with error", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger) error {
	if err := broker.NewTopology(cfg, logger).Configure(ctx); err != nil {
		return err
	}

	b, err := broker.Connect(cfg.AMQPURL, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	publisher, err := broker.NewPublisher(b, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	host, _ := os.Hostname()
	worker := ids.NewWorkerName("worker", host)
	logger = logger.With(logging.LogFields{"worker": worker})

	registry := cancel.NewRegistry()
	stageLogic := executor.NewSimulatedLogic(cfg.StageNames())
	exec := executor.New(registry, stageLogic, logger)

	// The whole-process path takes longer and never forwards.
	processLogic := executor.NewSimulatedLogic(nil)
	processLogic.MinDuration = 5 * time.Second
	processLogic.MaxDuration = 15 * time.Second
	processLogic.Steps = 10
	processLogic.ForwardRate = 0

	svc, err := service.New(b, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, stage := range cfg.Stages {
		sc := consumer.NewStageConsumer(stage, exec, publisher, worker, logger)
		spec := broker.QueueSpec{
			Queue:      stage.QueueName,
			Exchange:   event.PipelineExchange,
			BindingKey: stage.RoutingKey,
			Arguments:  broker.StageQueueArgs(stage),
			Prefetch:   stage.PrefetchCount,
		}
		if err := svc.AddConsumer("stage_"+stage.Name, spec, sc.Handle); err != nil {
			return err
		}
	}

	maxPriority := 10
	if len(cfg.Stages) > 0 {
		maxPriority = cfg.Stages[0].MaxPriority
	}
	created := consumer.NewCreatedConsumer(registry, processLogic, publisher, worker, cfg.MaxRetries, logger)
	if err := svc.AddConsumer("process_created", broker.QueueSpec{
		Queue:      event.WorkerQueue,
		Exchange:   event.EventsExchange,
		BindingKey: event.ProcessCreated,
		Arguments:  broker.WorkerQueueArgs(maxPriority),
		Prefetch:   1,
	}, created.Handle); err != nil {
		return err
	}

	cancelConsumer := consumer.NewCancelConsumer(registry, logger)
	if err := svc.AddConsumer("cancel_commands", broker.QueueSpec{
		Queue:      event.CancelQueue,
		Exchange:   event.CommandsExchange,
		BindingKey: event.CancelProcess,
		Prefetch:   1,
	}, cancelConsumer.Handle); err != nil {
		return err
	}

	compensation := consumer.NewCompensationConsumer(exec, publisher, worker, logger)
	if err := svc.AddConsumer("compensation", broker.QueueSpec{
		Queue:      event.CompensationQueue,
		Exchange:   event.EventsExchange,
		BindingKey: event.ProcessCompensating,
		Prefetch:   1,
	}, compensation.Handle); err != nil {
		return err
	}

	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(cfg.MetricsPort); err != nil {
				logger.Error("metrics server stopped", err, nil)
			}
		}()
		go trackActiveExecutions(ctx, registry)
	}

	logger.Info("worker running", logging.LogFields{
		"stages": cfg.StageNames(),
	})
	return svc.Run(ctx)
}

func trackActiveExecutions(ctx context.Context, registry *cancel.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetActiveExecutions(registry.Active())
		}
	}
}
