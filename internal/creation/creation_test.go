package creation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/logging"
)

type published struct {
	kind       string
	routingKey string
	stage      string
	priority   int
	event      event.ProcessEvent
}

type fakePublisher struct {
	calls []published
	fail  error
}

func (f *fakePublisher) PublishEvent(_ context.Context, routingKey string, evt event.ProcessEvent) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, published{kind: "event", routingKey: routingKey, event: evt})
	return nil
}

func (f *fakePublisher) PublishToPipeline(_ context.Context, stage string, evt event.ProcessEvent, priority int) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, published{kind: "pipeline", stage: stage, priority: priority, event: evt})
	return nil
}

func (f *fakePublisher) PublishCommand(_ context.Context, routingKey string, _ any) error {
	f.calls = append(f.calls, published{kind: "command", routingKey: routingKey})
	return nil
}

func (f *fakePublisher) PublishRetry(_ context.Context, retryQueue string, _ []byte, attempt, priority int) error {
	f.calls = append(f.calls, published{kind: "retry", routingKey: retryQueue, priority: priority})
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Stages: []config.StageDefinition{
			{Name: "extract", DisplayName: "Extract", QueueName: "processes.stage.extract"},
			{Name: "transform", DisplayName: "Transform", QueueName: "processes.stage.transform"},
		},
	}
}

func testLogger() logging.ServiceLogger {
	return logging.NewWatermillServiceLogger(watermill.NopLogger{})
}

func TestCreatePublishesCreatedThenQueued(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	svc := NewService(testConfig(t), pub, testLogger())

	res, err := svc.Create(context.Background(), "extract", "", 7)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(res.ProcessID, "proc-") {
		t.Fatalf("unexpected process id %q", res.ProcessID)
	}
	if res.StageName != "extract" || res.Priority != 7 || res.Status != "CREATED" {
		t.Fatalf("unexpected result %+v", res)
	}

	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.calls))
	}

	created := pub.calls[0]
	if created.kind != "event" || created.routingKey != event.ProcessCreated {
		t.Fatalf("first publish must be the created event, got %+v", created)
	}
	if created.event.Status != event.StatusCreated || created.event.CurrentStage != "extract" {
		t.Fatalf("unexpected created envelope %+v", created.event)
	}

	queued := pub.calls[1]
	if queued.kind != "pipeline" || queued.stage != "extract" || queued.priority != 7 {
		t.Fatalf("second publish must enqueue the pipeline message, got %+v", queued)
	}
	if queued.event.Status != event.StatusQueued {
		t.Fatalf("pipeline envelope must be QUEUED, got %s", queued.event.Status)
	}
	if queued.event.ProcessID != created.event.ProcessID {
		t.Fatalf("both publishes must share the process id")
	}
	if queued.event.EventID == created.event.EventID {
		t.Fatalf("each publish must carry its own event id")
	}
}

func TestCreateCarriesCallerMessage(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	svc := NewService(testConfig(t), pub, testLogger())

	if _, err := svc.Create(context.Background(), "extract", "monthly close", 2); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.calls))
	}
	for _, call := range pub.calls {
		if call.event.Message != "monthly close" {
			t.Fatalf("caller message must travel in both envelopes, got %+v", call.event)
		}
	}
}

func TestCreateSynthesizesDefaultMessage(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	svc := NewService(testConfig(t), pub, testLogger())

	if _, err := svc.Create(context.Background(), "extract", "", 2); err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg := pub.calls[0].event.Message; !strings.Contains(msg, "Extract") {
		t.Fatalf("expected synthesized message naming the stage, got %q", msg)
	}
}

func TestCreateIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	svc := NewService(testConfig(t), pub, testLogger())

	res, err := svc.Create(context.Background(), "TrAnSfOrM", "", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.StageName != "transform" {
		t.Fatalf("expected canonical stage name, got %q", res.StageName)
	}
}

func TestCreateUnknownStagePublishesNothing(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	svc := NewService(testConfig(t), pub, testLogger())

	_, err := svc.Create(context.Background(), "shipping", "", 1)
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	for _, name := range []string{"extract", "transform"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error must list available stages, got %v", err)
		}
	}
	if len(pub.calls) != 0 {
		t.Fatalf("unknown stage must publish nothing, got %d calls", len(pub.calls))
	}
}

func TestCreatePropagatesPublishFailure(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{fail: errors.New("broker unavailable")}
	svc := NewService(testConfig(t), pub, testLogger())

	if _, err := svc.Create(context.Background(), "extract", "", 1); err == nil {
		t.Fatalf("expected publish error to propagate")
	}
}

func TestCreateLegacyHasNoStage(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	svc := NewService(testConfig(t), pub, testLogger())

	res, err := svc.CreateLegacy(context.Background(), 4)
	if err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	if res.StageName != "" {
		t.Fatalf("legacy creation must not set a stage, got %q", res.StageName)
	}
	if len(pub.calls) != 1 || pub.calls[0].kind != "event" {
		t.Fatalf("expected a single created event, got %+v", pub.calls)
	}
	if pub.calls[0].event.CurrentStage != "" {
		t.Fatalf("legacy envelope must not name a stage")
	}
}
