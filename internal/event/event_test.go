package event

import (
	"testing"
	"time"
)

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Status{StatusFinished, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}

	open := []Status{
		StatusCreated, StatusQueued, StatusStarted, StatusStageStarted,
		StatusStageCompleted, StatusCancelRequested, StatusCompensating,
		StatusCompensated,
	}
	for _, s := range open {
		if s.IsTerminal() {
			t.Fatalf("expected %s not to be terminal", s)
		}
	}
}

func TestNewProcessEventStampsIdentityAndTime(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC()
	evt := NewProcessEvent("proc-1234", StatusCreated)
	after := time.Now().UTC()

	if evt.EventID == "" {
		t.Fatalf("expected event id to be set")
	}
	if evt.ProcessID != "proc-1234" {
		t.Fatalf("unexpected process id %q", evt.ProcessID)
	}
	if evt.Status != StatusCreated {
		t.Fatalf("unexpected status %q", evt.Status)
	}
	if evt.Timestamp.Before(before) || evt.Timestamp.After(after) {
		t.Fatalf("timestamp %v outside [%v, %v]", evt.Timestamp, before, after)
	}

	other := NewProcessEvent("proc-1234", StatusCreated)
	if other.EventID == evt.EventID {
		t.Fatalf("expected unique event ids, got %q twice", evt.EventID)
	}
}

func TestStageRoutingKeys(t *testing.T) {
	t.Parallel()

	if got := StageRoutingKey("report"); got != "pipeline.report" {
		t.Fatalf("unexpected routing key %q", got)
	}
	if got := StageDeadRoutingKey("report"); got != "pipeline.report.dead" {
		t.Fatalf("unexpected dead routing key %q", got)
	}
}

func TestNewCancelProcessCommand(t *testing.T) {
	t.Parallel()

	cmd := NewCancelProcessCommand("proc-42")
	if cmd.ProcessID != "proc-42" {
		t.Fatalf("unexpected process id %q", cmd.ProcessID)
	}
	if cmd.CommandID == "" {
		t.Fatalf("expected command id to be set")
	}
	if cmd.RequestedAt.IsZero() {
		t.Fatalf("expected requested-at to be set")
	}
}
