// Package creation starts new processes: it validates the requested stage,
// emits process.created, and enqueues the first pipeline message.
package creation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/ids"
	"github.com/mqmon/mqmon/internal/logging"
)

// ErrUnknownStage is returned when the requested stage is not configured.
// Nothing is published in that case.
var ErrUnknownStage = errors.New("unknown stage")

// Result describes a successfully created process.
type Result struct {
	ProcessID string    `json:"processId"`
	StageName string    `json:"stageName"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service creates processes and hands them to the pipeline.
type Service struct {
	cfg       *config.Config
	publisher broker.EventPublisher
	logger    logging.ServiceLogger
}

func NewService(cfg *config.Config, pub broker.EventPublisher, logger logging.ServiceLogger) *Service {
	return &Service{cfg: cfg, publisher: pub, logger: logger}
}

// Create validates the stage name case-insensitively, then publishes the
// created event and the queued pipeline message at the requested priority.
// An empty message gets a synthesized default; a caller-supplied one travels
// in both envelopes.
func (s *Service) Create(ctx context.Context, stageName, message string, priority int) (*Result, error) {
	stage, ok := s.cfg.StageByName(stageName)
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)",
			ErrUnknownStage, stageName, strings.Join(s.cfg.StageNames(), ", "))
	}

	processID := ids.NewProcessID()
	if message == "" {
		message = fmt.Sprintf("process created for stage %s", stage.DisplayName)
	}

	created := event.NewProcessEvent(processID, event.StatusCreated)
	created.CurrentStage = stage.Name
	created.Priority = priority
	created.Message = message
	if err := s.publisher.PublishEvent(ctx, event.ProcessCreated, created); err != nil {
		return nil, fmt.Errorf("publish created event: %w", err)
	}

	queued := event.NewProcessEvent(processID, event.StatusQueued)
	queued.CurrentStage = stage.Name
	queued.Priority = priority
	queued.Message = message
	if err := s.publisher.PublishToPipeline(ctx, stage.Name, queued, priority); err != nil {
		return nil, fmt.Errorf("enqueue pipeline message: %w", err)
	}

	s.logger.Info("process created", logging.LogFields{
		"processId": processID,
		"stage":     stage.Name,
		"priority":  priority,
	})
	return &Result{
		ProcessID: processID,
		StageName: stage.Name,
		Priority:  priority,
		Status:    string(event.StatusCreated),
		CreatedAt: created.Timestamp,
	}, nil
}

// CreateLegacy starts a whole-process execution on the worker queue without
// a stage, for the non-pipeline path.
func (s *Service) CreateLegacy(ctx context.Context, priority int) (*Result, error) {
	processID := ids.NewProcessID()

	created := event.NewProcessEvent(processID, event.StatusCreated)
	created.Priority = priority
	if err := s.publisher.PublishEvent(ctx, event.ProcessCreated, created); err != nil {
		return nil, fmt.Errorf("publish created event: %w", err)
	}

	return &Result{
		ProcessID: processID,
		Priority:  priority,
		Status:    string(event.StatusCreated),
		CreatedAt: created.Timestamp,
	}, nil
}
