// The producer is a load-generation CLI: it creates processes for a stage
// (or the whole-process path) at a configurable rate and priority.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/creation"
	"github.com/mqmon/mqmon/internal/logging"
)

func main() {
	var (
		stage    = flag.String("stage", "", "target stage name; empty uses the whole-process path")
		message  = flag.String("message", "", "free-text message carried in the created envelopes")
		count    = flag.Int("count", 10, "number of processes to create")
		priority = flag.Int("priority", 0, "message priority; -1 picks a random priority per process")
		interval = flag.Duration("interval", 500*time.Millisecond, "delay between creations")
	)
	flag.Parse()

	logger := logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *stage, *message, *count, *priority, *interval); err != nil {
		logger.Error("producer exited with error", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger, stage, message string, count, priority int, interval time.Duration) error {
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

	svc := creation.NewService(cfg, publisher, logger)

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return nil
		}

		p := priority
		if p < 0 {
			p = rand.Intn(11)
		}

		var result *creation.Result
		if stage == "" {
			result, err = svc.CreateLegacy(ctx, p)
		} else {
			result, err = svc.Create(ctx, stage, message, p)
		}
		if err != nil {
			return err
		}
		logger.Info("process created", logging.LogFields{
			"processId": result.ProcessID,
			"stage":     result.StageName,
			"priority":  result.Priority,
			"n":         i + 1,
		})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
	return nil
}
