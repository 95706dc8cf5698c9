// Package executor runs one stage's unit of work for one process, checking
// for cancellation at step boundaries.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/mqmon/mqmon/internal/cancel"
	"github.com/mqmon/mqmon/internal/logging"
)

// Outcome is what a stage run produced. Exactly one of Success, Cancelled, or
// a non-empty Err describes the result; NextStage is only meaningful on
// success.
type Outcome struct {
	Success   bool
	Cancelled bool
	NextStage string
	Err       string
}

// StageLogic is the pluggable unit of work behind a stage. Run decides
// success, failure, or forwarding; Compensate undoes a previously completed
// stage during rollback. Both must return promptly once ctx is cancelled.
type StageLogic interface {
	Run(ctx context.Context, processID, stage string) Outcome
	Compensate(ctx context.Context, processID, stage string) error
}

// Executor registers each run with the cancellation registry and delegates to
// the stage logic.
type Executor struct {
	registry *cancel.Registry
	logic    StageLogic
	logger   logging.ServiceLogger
}

func New(registry *cancel.Registry, logic StageLogic, logger logging.ServiceLogger) *Executor {
	return &Executor{registry: registry, logic: logic, logger: logger}
}

// ExecuteStage runs the stage logic for one process. The execution is visible
// to the cancellation registry from before the first step until after the
// last one.
func (e *Executor) ExecuteStage(ctx context.Context, processID, stage, worker string) Outcome {
	runCtx := e.registry.Register(ctx, processID)
	defer e.registry.Unregister(processID)

	e.logger.Info("stage execution starting", logging.LogFields{
		"processId": processID,
		"stage":     stage,
		"worker":    worker,
	})

	outcome := e.logic.Run(runCtx, processID, stage)

	switch {
	case outcome.Cancelled:
		e.logger.Info("stage execution cancelled", logging.LogFields{
			"processId": processID,
			"stage":     stage,
		})
	case !outcome.Success:
		e.logger.Error("stage execution failed", fmt.Errorf("%s", outcome.Err), logging.LogFields{
			"processId": processID,
			"stage":     stage,
		})
	}
	return outcome
}

// Compensate runs the rollback action for a process, also registered for
// cancellation.
func (e *Executor) Compensate(ctx context.Context, processID, stage string) error {
	runCtx := e.registry.Register(ctx, processID)
	defer e.registry.Unregister(processID)
	return e.logic.Compensate(runCtx, processID, stage)
}

// SimulatedLogic is the placeholder stage logic used until real business
// stages are plugged in. It sleeps a random duration in interruptible steps,
// fails a fraction of the time, and sometimes forwards to another stage.
type SimulatedLogic struct {
	// Stages is the set of names eligible as forwarding targets.
	Stages []string

	// FailureRate and ForwardRate are probabilities in [0,1].
	FailureRate float64
	ForwardRate float64

	// MinDuration and MaxDuration bound the simulated work time.
	MinDuration time.Duration
	MaxDuration time.Duration

	// Steps is the number of cancellation checkpoints.
	Steps int
}

// NewSimulatedLogic returns the default simulator: 2-8s of work in 5 steps,
// 10% failure, 30% forward to a random other stage.
func NewSimulatedLogic(stages []string) *SimulatedLogic {
	return &SimulatedLogic{
		Stages:      stages,
		FailureRate: 0.10,
		ForwardRate: 0.30,
		MinDuration: 2 * time.Second,
		MaxDuration: 8 * time.Second,
		Steps:       5,
	}
}

func (s *SimulatedLogic) Run(ctx context.Context, processID, stage string) Outcome {
	if cancelled := s.sleep(ctx, s.duration()); cancelled {
		return Outcome{Cancelled: true}
	}

	if rand.Float64() < s.FailureRate {
		return Outcome{Err: fmt.Sprintf("simulated failure in stage %s", stage)}
	}

	if rand.Float64() < s.ForwardRate {
		if next := s.pickNext(stage); next != "" {
			return Outcome{Success: true, NextStage: next}
		}
	}
	return Outcome{Success: true}
}

// Compensate simulates a rollback taking a fraction of the work time.
func (s *SimulatedLogic) Compensate(ctx context.Context, processID, stage string) error {
	if cancelled := s.sleep(ctx, s.duration()/4); cancelled {
		return ctx.Err()
	}
	return nil
}

func (s *SimulatedLogic) duration() time.Duration {
	spread := s.MaxDuration - s.MinDuration
	if spread <= 0 {
		return s.MinDuration
	}
	return s.MinDuration + time.Duration(rand.Int63n(int64(spread)))
}

// sleep waits the given duration in Steps slices, returning true as soon as
// ctx is cancelled. Cancellation latency is therefore at most one slice.
func (s *SimulatedLogic) sleep(ctx context.Context, total time.Duration) bool {
	steps := s.Steps
	if steps < 1 {
		steps = 1
	}
	slice := total / time.Duration(steps)
	timer := time.NewTimer(slice)
	defer timer.Stop()

	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
		}
		if i < steps-1 {
			timer.Reset(slice)
		}
	}
	return false
}

func (s *SimulatedLogic) pickNext(current string) string {
	candidates := make([]string, 0, len(s.Stages))
	for _, name := range s.Stages {
		if name != current {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}
