// Package projection materializes the process lifecycle event stream into
// the read model: one ProcessExecution row per process, an append-only event
// log, and the saga step timeline.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/metrics"
	"github.com/mqmon/mqmon/internal/store"
)

// Notifier receives each execution after its event has been projected. The
// websocket hub implements it; delivery is fire-and-forget.
type Notifier interface {
	NotifyExecution(exec *store.ProcessExecution)
}

// Projector applies lifecycle events to the read model. Projection is
// idempotent per event id: replaying any event is a no-op.
type Projector struct {
	store    *store.Store
	tx       store.TxRunner
	notifier Notifier
	logger   logging.ServiceLogger
}

// New builds a projector. tx may be nil (memory store); notifier may be nil.
func New(s *store.Store, tx store.TxRunner, notifier Notifier, logger logging.ServiceLogger) *Projector {
	return &Projector{store: s, tx: tx, notifier: notifier, logger: logger}
}

// Handle is the monitor-queue message handler. The routing key the event was
// delivered under is not available after watermill unmarshaling, so the event
// type is derived from the status field of the envelope.
func (p *Projector) Handle(msg *message.Message) error {
	var evt event.ProcessEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &evt); err != nil {
		p.logger.Error("malformed lifecycle event", err, logging.LogFields{
			"messageUuid": msg.UUID,
		})
		return broker.Permanent(fmt.Errorf("unmarshal lifecycle event: %w", err))
	}
	return p.Project(msg.Context(), evt, string(msg.Payload))
}

// Project applies one event: idempotency gate, event log append, execution
// upsert, saga step mutation, then the push notification.
func (p *Projector) Project(ctx context.Context, evt event.ProcessEvent, rawPayload string) error {
	if evt.EventID == "" || evt.ProcessID == "" {
		return broker.Permanent(fmt.Errorf("event missing ids: eventId=%q processId=%q", evt.EventID, evt.ProcessID))
	}

	begin := time.Now()

	seen, err := p.store.Events.Exists(ctx, evt.EventID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if seen {
		p.logger.Debug("duplicate event absorbed", logging.LogFields{
			"eventId":   evt.EventID,
			"processId": evt.ProcessID,
		})
		metrics.DuplicateAbsorbed()
		return nil
	}

	apply := func(s *store.Store) error {
		if err := s.Events.Insert(ctx, &store.EventLog{
			EventID:   evt.EventID,
			ProcessID: evt.ProcessID,
			EventType: string(evt.Status),
			Payload:   rawPayload,
			Timestamp: evt.Timestamp,
		}); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		if err := p.upsertExecution(ctx, s, evt); err != nil {
			return err
		}
		return p.projectStep(ctx, s, evt)
	}

	if p.tx != nil {
		err = p.tx.RunInTx(ctx, apply)
	} else {
		err = apply(p.store)
	}
	if err != nil {
		return err
	}

	metrics.EventProjected(string(evt.Status))
	metrics.ObserveProjection(time.Since(begin))

	if p.notifier != nil {
		if exec, err := p.store.Executions.Get(ctx, evt.ProcessID); err == nil {
			p.notifier.NotifyExecution(exec)
		}
	}
	return nil
}

// upsertExecution creates or merges the one-row-per-process view. Status and
// updatedAt always win; worker, error, stage, and saga status only overwrite
// with a non-empty incoming value.
func (p *Projector) upsertExecution(ctx context.Context, s *store.Store, evt event.ProcessEvent) error {
	exec, err := s.Executions.Get(ctx, evt.ProcessID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		exec = &store.ProcessExecution{
			ProcessID: evt.ProcessID,
			Priority:  evt.Priority,
		}
	case err != nil:
		return fmt.Errorf("load execution: %w", err)
	}

	exec.Status = evt.Status
	exec.UpdatedAt = evt.Timestamp
	if evt.Worker != "" {
		exec.Worker = evt.Worker
	}
	if evt.ErrorMessage != "" {
		exec.ErrorMessage = evt.ErrorMessage
	}
	if evt.Message != "" {
		exec.Message = evt.Message
	}
	if evt.CurrentStage != "" {
		exec.CurrentStage = evt.CurrentStage
	}
	if evt.Priority > 0 {
		exec.Priority = evt.Priority
	}

	switch evt.Status {
	case event.StatusStarted:
		if exec.StartedAt == nil {
			ts := evt.Timestamp
			exec.StartedAt = &ts
		}
	case event.StatusFinished, event.StatusFailed, event.StatusCancelled:
		ts := evt.Timestamp
		exec.FinishedAt = &ts
	case event.StatusCompensating:
		exec.SagaStatus = string(event.StatusCompensating)
	case event.StatusCompensated:
		exec.SagaStatus = string(event.StatusCompensated)
	}

	// Insert is an upsert in both store adapters, which keeps a re-run of a
	// partially projected event safe.
	if err := s.Executions.Insert(ctx, exec); err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

// projectStep maintains the saga timeline. Steps are only recorded for
// events that name a stage, except the process-wide compensation sweep.
func (p *Projector) projectStep(ctx context.Context, s *store.Store, evt event.ProcessEvent) error {
	if evt.Status == event.StatusCompensated {
		return p.compensateSteps(ctx, s, evt.ProcessID)
	}
	if evt.CurrentStage == "" {
		return nil
	}

	switch evt.Status {
	case event.StatusStageStarted:
		order := 1
		last, err := s.Steps.LastStep(ctx, evt.ProcessID)
		switch {
		case err == nil:
			order = last.StepOrder + 1
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("load last step: %w", err)
		}
		// The event id doubles as the step id, which keeps the insert
		// idempotent when a partially projected event is re-run.
		step := &store.SagaStep{
			StepID:    evt.EventID,
			ProcessID: evt.ProcessID,
			StageName: evt.CurrentStage,
			Status:    store.StepStarted,
			Worker:    evt.Worker,
			StartedAt: evt.Timestamp,
			StepOrder: order,
		}
		if err := s.Steps.Insert(ctx, step); err != nil {
			return fmt.Errorf("insert saga step: %w", err)
		}

	case event.StatusStageCompleted:
		return p.closeLastStep(ctx, s, evt, store.StepCompleted)

	case event.StatusFailed:
		return p.closeLastStep(ctx, s, evt, store.StepFailed)
	}
	return nil
}

// closeLastStep marks the last step completed or failed, but only when it
// belongs to the same stage and is still open. Redeliveries and out-of-order
// events fall through the guard harmlessly.
func (p *Projector) closeLastStep(ctx context.Context, s *store.Store, evt event.ProcessEvent, status string) error {
	last, err := s.Steps.LastStep(ctx, evt.ProcessID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load last step: %w", err)
	}
	if last.StageName != evt.CurrentStage || last.Status != store.StepStarted {
		return nil
	}

	ts := evt.Timestamp
	last.Status = status
	last.CompletedAt = &ts
	if status == store.StepFailed {
		last.ErrorMessage = evt.ErrorMessage
	}
	if err := s.Steps.Update(ctx, last); err != nil {
		return fmt.Errorf("close saga step: %w", err)
	}
	return nil
}

// compensateSteps flips every COMPLETED step of the process to COMPENSATED.
func (p *Projector) compensateSteps(ctx context.Context, s *store.Store, processID string) error {
	steps, err := s.Steps.ListByProcess(ctx, processID)
	if err != nil {
		return fmt.Errorf("list saga steps: %w", err)
	}
	for _, step := range steps {
		if step.Status != store.StepCompleted {
			continue
		}
		step.Status = store.StepCompensated
		if err := s.Steps.Update(ctx, step); err != nil {
			return fmt.Errorf("compensate saga step %s: %w", step.StepID, err)
		}
	}
	return nil
}
