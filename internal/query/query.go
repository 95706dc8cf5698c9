// Package query serves read-model lookups and aggregate statistics for the
// HTTP API.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/store"
)

// Metrics is the aggregate view over all executions.
type Metrics struct {
	TotalExecuted          int            `json:"totalExecuted"`
	InProgress             int            `json:"inProgress"`
	Finished               int            `json:"finished"`
	Failed                 int            `json:"failed"`
	Cancelled              int            `json:"cancelled"`
	AverageExecutionTimeMs float64        `json:"averageExecutionTimeMs"`
	ErrorRate              float64        `json:"errorRate"`
	ByStage                map[string]int `json:"byStage"`
}

// Service answers read queries against the repositories.
type Service struct {
	store *store.Store
}

func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Execution returns one process, store.ErrNotFound when unknown.
func (s *Service) Execution(ctx context.Context, processID string) (*store.ProcessExecution, error) {
	return s.store.Executions.Get(ctx, processID)
}

// Executions lists processes, optionally filtered by stage or status. Stage
// takes precedence when both are given.
func (s *Service) Executions(ctx context.Context, stage string, status event.Status) ([]*store.ProcessExecution, error) {
	switch {
	case stage != "":
		return s.store.Executions.ListByStage(ctx, stage)
	case status != "":
		return s.store.Executions.ListByStatus(ctx, status)
	default:
		return s.store.Executions.List(ctx)
	}
}

// Events returns the projected event log of one process in delivery order.
func (s *Service) Events(ctx context.Context, processID string) ([]*store.EventLog, error) {
	return s.store.Events.ListByProcess(ctx, processID)
}

// Steps returns the saga timeline of one process ordered by step order.
func (s *Service) Steps(ctx context.Context, processID string) ([]*store.SagaStep, error) {
	return s.store.Steps.ListByProcess(ctx, processID)
}

// UpdatePriority changes the priority recorded in the read model. It does
// not reprioritize messages already sitting in broker queues.
func (s *Service) UpdatePriority(ctx context.Context, processID string, priority int) (*store.ProcessExecution, error) {
	exec, err := s.store.Executions.Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	exec.Priority = priority
	exec.UpdatedAt = time.Now().UTC()
	if err := s.store.Executions.Update(ctx, exec); err != nil {
		return nil, fmt.Errorf("update priority: %w", err)
	}
	return exec, nil
}

// MarkCancelRequested records that cancellation was asked for, so operators
// can see and re-issue pending cancels after a worker restart.
func (s *Service) MarkCancelRequested(ctx context.Context, processID string) error {
	exec, err := s.store.Executions.Get(ctx, processID)
	if err != nil {
		return err
	}
	exec.Status = event.StatusCancelRequested
	exec.UpdatedAt = time.Now().UTC()
	return s.store.Executions.Update(ctx, exec)
}

// Metrics aggregates the execution table.
func (s *Service) Metrics(ctx context.Context) (*Metrics, error) {
	execs, err := s.store.Executions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	m := &Metrics{ByStage: make(map[string]int)}
	var durationSum time.Duration
	var durationCount int

	for _, exec := range execs {
		m.TotalExecuted++
		switch exec.Status {
		case event.StatusFinished:
			m.Finished++
		case event.StatusFailed:
			m.Failed++
		case event.StatusCancelled:
			m.Cancelled++
		default:
			m.InProgress++
		}
		if exec.CurrentStage != "" {
			m.ByStage[exec.CurrentStage]++
		}
		if exec.StartedAt != nil && exec.FinishedAt != nil {
			durationSum += exec.FinishedAt.Sub(*exec.StartedAt)
			durationCount++
		}
	}

	if durationCount > 0 {
		m.AverageExecutionTimeMs = float64(durationSum.Milliseconds()) / float64(durationCount)
	}
	if m.TotalExecuted > 0 {
		m.ErrorRate = float64(m.Failed) / float64(m.TotalExecuted)
	}
	return m, nil
}
