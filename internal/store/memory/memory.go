// Package memory provides mutex-guarded in-memory implementations of the
// store repositories. They back local runs and tests; durability comes from
// the postgres adapter.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/store"
)

// New returns a store backed entirely by process memory.
func New() *store.Store {
	return &store.Store{
		Executions: NewExecutionRepository(),
		Events:     NewEventLogRepository(),
		Steps:      NewSagaStepRepository(),
	}
}

// ExecutionRepository is a concurrency-safe in-memory store.ExecutionRepository.
type ExecutionRepository struct {
	mu    sync.RWMutex
	execs map[string]store.ProcessExecution
}

func NewExecutionRepository() *ExecutionRepository {
	return &ExecutionRepository{execs: make(map[string]store.ProcessExecution)}
}

func (r *ExecutionRepository) Get(_ context.Context, processID string) (*store.ProcessExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.execs[processID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &exec, nil
}

func (r *ExecutionRepository) List(_ context.Context) ([]*store.ProcessExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(store.ProcessExecution) bool { return true }), nil
}

func (r *ExecutionRepository) ListByStage(_ context.Context, stage string) ([]*store.ProcessExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(e store.ProcessExecution) bool { return e.CurrentStage == stage }), nil
}

func (r *ExecutionRepository) ListByStatus(_ context.Context, status event.Status) ([]*store.ProcessExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(e store.ProcessExecution) bool { return e.Status == status }), nil
}

// collect must be called with the read lock held.
func (r *ExecutionRepository) collect(keep func(store.ProcessExecution) bool) []*store.ProcessExecution {
	out := make([]*store.ProcessExecution, 0, len(r.execs))
	for _, exec := range r.execs {
		if keep(exec) {
			copy := exec
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (r *ExecutionRepository) Insert(_ context.Context, exec *store.ProcessExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[exec.ProcessID] = *exec
	return nil
}

func (r *ExecutionRepository) Update(_ context.Context, exec *store.ProcessExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.execs[exec.ProcessID]; !ok {
		return store.ErrNotFound
	}
	r.execs[exec.ProcessID] = *exec
	return nil
}

// EventLogRepository is a concurrency-safe in-memory store.EventLogRepository.
type EventLogRepository struct {
	mu      sync.RWMutex
	entries map[string]store.EventLog
	order   []string
}

func NewEventLogRepository() *EventLogRepository {
	return &EventLogRepository{entries: make(map[string]store.EventLog)}
}

func (r *EventLogRepository) Exists(_ context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[eventID]
	return ok, nil
}

func (r *EventLogRepository) Insert(_ context.Context, entry *store.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[entry.EventID]; ok {
		// Re-running a partially projected event must not duplicate the row.
		return nil
	}
	r.entries[entry.EventID] = *entry
	r.order = append(r.order, entry.EventID)
	return nil
}

func (r *EventLogRepository) ListByProcess(_ context.Context, processID string) ([]*store.EventLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.EventLog
	for _, id := range r.order {
		entry := r.entries[id]
		if entry.ProcessID == processID {
			copy := entry
			out = append(out, &copy)
		}
	}
	return out, nil
}

// SagaStepRepository is a concurrency-safe in-memory store.SagaStepRepository.
type SagaStepRepository struct {
	mu    sync.RWMutex
	steps map[string]store.SagaStep
}

func NewSagaStepRepository() *SagaStepRepository {
	return &SagaStepRepository{steps: make(map[string]store.SagaStep)}
}

func (r *SagaStepRepository) LastStep(_ context.Context, processID string) (*store.SagaStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *store.SagaStep
	for _, step := range r.steps {
		if step.ProcessID != processID {
			continue
		}
		if last == nil || step.StepOrder > last.StepOrder {
			copy := step
			last = &copy
		}
	}
	if last == nil {
		return nil, store.ErrNotFound
	}
	return last, nil
}

func (r *SagaStepRepository) ListByProcess(_ context.Context, processID string) ([]*store.SagaStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.SagaStep
	for _, step := range r.steps {
		if step.ProcessID == processID {
			copy := step
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *SagaStepRepository) Insert(_ context.Context, step *store.SagaStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.StepID] = *step
	return nil
}

func (r *SagaStepRepository) Update(_ context.Context, step *store.SagaStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.steps[step.StepID]; !ok {
		return store.ErrNotFound
	}
	r.steps[step.StepID] = *step
	return nil
}
