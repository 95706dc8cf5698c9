package consumer

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/cancel"
	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/executor"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
)

type published struct {
	kind       string
	routingKey string
	stage      string
	retryQueue string
	attempt    int
	priority   int
	event      event.ProcessEvent
}

// fakePublisher records publishes; failEvent makes PublishEvent fail so
// tests can force the retry path.
type fakePublisher struct {
	calls     []published
	failEvent error
	failRetry error
}

func (f *fakePublisher) PublishEvent(_ context.Context, routingKey string, evt event.ProcessEvent) error {
	if f.failEvent != nil {
		return f.failEvent
	}
	f.calls = append(f.calls, published{kind: "event", routingKey: routingKey, event: evt})
	return nil
}

func (f *fakePublisher) PublishToPipeline(_ context.Context, stage string, evt event.ProcessEvent, priority int) error {
	f.calls = append(f.calls, published{kind: "pipeline", stage: stage, priority: priority, event: evt})
	return nil
}

func (f *fakePublisher) PublishCommand(_ context.Context, routingKey string, _ any) error {
	f.calls = append(f.calls, published{kind: "command", routingKey: routingKey})
	return nil
}

func (f *fakePublisher) PublishRetry(_ context.Context, retryQueue string, _ []byte, attempt, priority int) error {
	if f.failRetry != nil {
		return f.failRetry
	}
	f.calls = append(f.calls, published{kind: "retry", retryQueue: retryQueue, attempt: attempt, priority: priority})
	return nil
}

func (f *fakePublisher) events(routingKey string) []published {
	var out []published
	for _, call := range f.calls {
		if call.kind == "event" && call.routingKey == routingKey {
			out = append(out, call)
		}
	}
	return out
}

// stubLogic returns a fixed outcome instantly.
type stubLogic struct {
	outcome       executor.Outcome
	compensateErr error
	compensated   []string
}

func (l *stubLogic) Run(context.Context, string, string) executor.Outcome {
	return l.outcome
}

func (l *stubLogic) Compensate(_ context.Context, processID, _ string) error {
	l.compensated = append(l.compensated, processID)
	return l.compensateErr
}

func testLogger() logging.ServiceLogger {
	return logging.NewWatermillServiceLogger(watermill.NopLogger{})
}

func testStage() config.StageDefinition {
	return config.StageDefinition{
		Name:        "report",
		DisplayName: "Report Generation",
		QueueName:   "processes.stage.report",
		MaxRetries:  3,
	}
}

func eventMessage(t *testing.T, evt event.ProcessEvent) *message.Message {
	t.Helper()
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return message.NewMessage(watermill.NewUUID(), payload)
}

func newStageConsumer(logic *stubLogic, pub *fakePublisher) *StageConsumer {
	exec := executor.New(cancel.NewRegistry(), logic, testLogger())
	return NewStageConsumer(testStage(), exec, pub, "worker-test", testLogger())
}

func TestStageConsumerFinished(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Success: true}}, pub)

	evt := event.NewProcessEvent("proc-1", event.StatusQueued)
	evt.CurrentStage = "report"
	evt.Priority = 6
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(pub.calls) != 2 {
		t.Fatalf("expected started + finished, got %+v", pub.calls)
	}
	started := pub.calls[0]
	if started.routingKey != event.ProcessStageStarted || started.event.CurrentStage != "report" {
		t.Fatalf("first publish must be stage started, got %+v", started)
	}
	if started.event.Priority != 6 {
		t.Fatalf("expected priority from envelope, got %d", started.event.Priority)
	}
	finished := pub.calls[1]
	if finished.routingKey != event.ProcessFinished || finished.event.Worker != "worker-test" {
		t.Fatalf("second publish must be finished, got %+v", finished)
	}
}

func TestStageConsumerCancelled(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Cancelled: true}}, pub)

	evt := event.NewProcessEvent("proc-2", event.StatusQueued)
	evt.CurrentStage = "report"
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	cancelled := pub.events(event.ProcessCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("expected one cancelled event, got %+v", pub.calls)
	}
	if len(pub.events(event.ProcessFailed)) != 0 {
		t.Fatalf("cancellation must not look like failure")
	}
}

func TestStageConsumerFailurePublishesCompensating(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Err: "simulated fault"}}, pub)

	evt := event.NewProcessEvent("proc-3", event.StatusQueued)
	evt.CurrentStage = "report"
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(pub.calls) != 3 {
		t.Fatalf("expected started + failed + compensating, got %+v", pub.calls)
	}
	if pub.calls[1].routingKey != event.ProcessFailed {
		t.Fatalf("expected failed second, got %+v", pub.calls[1])
	}
	if pub.calls[1].event.ErrorMessage != "simulated fault" {
		t.Fatalf("failed event must carry the reason, got %+v", pub.calls[1].event)
	}
	if pub.calls[2].routingKey != event.ProcessCompensating {
		t.Fatalf("expected compensating last, got %+v", pub.calls[2])
	}
}

func TestStageConsumerForward(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Success: true, NextStage: "billing"}}, pub)

	evt := event.NewProcessEvent("proc-4", event.StatusQueued)
	evt.CurrentStage = "report"
	evt.Priority = 9
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	completed := pub.events(event.ProcessStageCompleted)
	if len(completed) != 1 || completed[0].event.NextStage != "billing" {
		t.Fatalf("expected stage completed naming next stage, got %+v", pub.calls)
	}

	var pipeline []published
	for _, call := range pub.calls {
		if call.kind == "pipeline" {
			pipeline = append(pipeline, call)
		}
	}
	if len(pipeline) != 1 {
		t.Fatalf("expected exactly one forwarded pipeline message, got %+v", pub.calls)
	}
	if pipeline[0].stage != "billing" || pipeline[0].priority != 9 {
		t.Fatalf("forward must keep the originating priority, got %+v", pipeline[0])
	}
	if pipeline[0].event.Status != event.StatusQueued {
		t.Fatalf("forwarded envelope must be QUEUED, got %s", pipeline[0].event.Status)
	}
}

func TestStageConsumerMalformedIsNotRetried(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Success: true}}, pub)

	msg := message.NewMessage(watermill.NewUUID(), []byte("{broken"))
	if err := c.Handle(msg); err == nil {
		t.Fatalf("malformed payload must be nacked")
	}
	if len(pub.calls) != 0 {
		t.Fatalf("malformed payload must publish nothing, got %+v", pub.calls)
	}
}

func TestStageConsumerSchedulesRetryOnFault(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failEvent: errors.New("broker down")}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Success: true}}, pub)

	evt := event.NewProcessEvent("proc-5", event.StatusQueued)
	evt.CurrentStage = "report"
	msg := eventMessage(t, evt)
	broker.SetPriority(msg, 4)

	if err := c.Handle(msg); err != nil {
		t.Fatalf("retry scheduling must ack, got %v", err)
	}

	if len(pub.calls) != 1 || pub.calls[0].kind != "retry" {
		t.Fatalf("expected one retry publish, got %+v", pub.calls)
	}
	retry := pub.calls[0]
	if retry.retryQueue != "processes.stage.report.retry" {
		t.Fatalf("unexpected retry queue %q", retry.retryQueue)
	}
	if retry.attempt != 1 || retry.priority != 4 {
		t.Fatalf("expected attempt 1 at priority 4, got %+v", retry)
	}
}

func TestStageConsumerRetryCountIncrements(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failEvent: errors.New("broker down")}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Success: true}}, pub)

	evt := event.NewProcessEvent("proc-6", event.StatusQueued)
	evt.CurrentStage = "report"
	msg := eventMessage(t, evt)
	msg.Metadata.Set(event.RetryCountHeader, "2")

	if err := c.Handle(msg); err != nil {
		t.Fatalf("below the cap must ack, got %v", err)
	}
	if pub.calls[0].attempt != 3 {
		t.Fatalf("expected attempt 3, got %d", pub.calls[0].attempt)
	}
}

func TestStageConsumerDeadLettersAtRetryCap(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failEvent: errors.New("broker down")}
	c := newStageConsumer(&stubLogic{outcome: executor.Outcome{Success: true}}, pub)

	evt := event.NewProcessEvent("proc-7", event.StatusQueued)
	evt.CurrentStage = "report"
	msg := eventMessage(t, evt)
	msg.Metadata.Set(event.RetryCountHeader, strconv.Itoa(testStage().MaxRetries))

	if err := c.Handle(msg); err == nil {
		t.Fatalf("at the cap the delivery must be nacked")
	}
	for _, call := range pub.calls {
		if call.kind == "retry" {
			t.Fatalf("no retry may be scheduled at the cap, got %+v", pub.calls)
		}
	}
}

func TestCreatedConsumerSkipsStageProcesses(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := NewCreatedConsumer(cancel.NewRegistry(), &stubLogic{outcome: executor.Outcome{Success: true}}, pub, "worker-test", 3, testLogger())

	evt := event.NewProcessEvent("proc-8", event.StatusCreated)
	evt.CurrentStage = "report"
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("stage-addressed processes belong to the pipeline, got %+v", pub.calls)
	}
}

func TestCreatedConsumerRunsToFinished(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := NewCreatedConsumer(cancel.NewRegistry(), &stubLogic{outcome: executor.Outcome{Success: true}}, pub, "worker-test", 3, testLogger())

	evt := event.NewProcessEvent("proc-9", event.StatusCreated)
	evt.Priority = 5
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(pub.calls) != 2 {
		t.Fatalf("expected started + finished, got %+v", pub.calls)
	}
	if pub.calls[0].routingKey != event.ProcessStarted || pub.calls[1].routingKey != event.ProcessFinished {
		t.Fatalf("unexpected event order %+v", pub.calls)
	}
	if pub.calls[0].event.Priority != 5 {
		t.Fatalf("priority must propagate, got %d", pub.calls[0].event.Priority)
	}
}

func TestCreatedConsumerFailure(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	c := NewCreatedConsumer(cancel.NewRegistry(), &stubLogic{outcome: executor.Outcome{Err: "boom"}}, pub, "worker-test", 3, testLogger())

	evt := event.NewProcessEvent("proc-10", event.StatusCreated)
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	failed := pub.events(event.ProcessFailed)
	if len(failed) != 1 || failed[0].event.ErrorMessage != "boom" {
		t.Fatalf("expected one failed event with the reason, got %+v", pub.calls)
	}
	// The whole-process path has no saga, so no compensating event.
	if len(pub.events(event.ProcessCompensating)) != 0 {
		t.Fatalf("worker path must not start compensation")
	}
}

func TestCreatedConsumerRetriesOnFault(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failEvent: errors.New("broker down")}
	c := NewCreatedConsumer(cancel.NewRegistry(), &stubLogic{outcome: executor.Outcome{Success: true}}, pub, "worker-test", 3, testLogger())

	evt := event.NewProcessEvent("proc-11", event.StatusCreated)
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("below the cap must ack, got %v", err)
	}
	if len(pub.calls) != 1 || pub.calls[0].retryQueue != event.WorkerRetryQueue {
		t.Fatalf("expected retry on the worker retry queue, got %+v", pub.calls)
	}
}

func TestCancelConsumer(t *testing.T) {
	t.Parallel()

	registry := cancel.NewRegistry()
	runCtx := registry.Register(context.Background(), "proc-12")
	c := NewCancelConsumer(registry, testLogger())

	cmd := event.NewCancelProcessCommand("proc-12")
	payload, err := jsoncodec.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if err := c.Handle(message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case <-runCtx.Done():
	default:
		t.Fatalf("cancel command must cancel the registered context")
	}
}

func TestCancelConsumerUnknownProcessAcks(t *testing.T) {
	t.Parallel()

	c := NewCancelConsumer(cancel.NewRegistry(), testLogger())
	cmd := event.NewCancelProcessCommand("proc-ghost")
	payload, _ := jsoncodec.Marshal(cmd)

	// Every worker consumes the cancel queue; a miss is normal.
	if err := c.Handle(message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		t.Fatalf("unknown process must not nack, got %v", err)
	}
}

func TestCancelConsumerMalformed(t *testing.T) {
	t.Parallel()

	c := NewCancelConsumer(cancel.NewRegistry(), testLogger())
	if err := c.Handle(message.NewMessage(watermill.NewUUID(), []byte("nope"))); err == nil {
		t.Fatalf("malformed command must be nacked")
	}
}

func TestCompensationConsumer(t *testing.T) {
	t.Parallel()

	logic := &stubLogic{}
	pub := &fakePublisher{}
	exec := executor.New(cancel.NewRegistry(), logic, testLogger())
	c := NewCompensationConsumer(exec, pub, "worker-test", testLogger())

	evt := event.NewProcessEvent("proc-13", event.StatusCompensating)
	evt.CurrentStage = "report"
	if err := c.Handle(eventMessage(t, evt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(logic.compensated) != 1 || logic.compensated[0] != "proc-13" {
		t.Fatalf("expected compensation to run, got %v", logic.compensated)
	}
	compensated := pub.events(event.ProcessCompensated)
	if len(compensated) != 1 {
		t.Fatalf("expected exactly one compensated event, got %+v", pub.calls)
	}
	if compensated[0].event.CurrentStage != "report" {
		t.Fatalf("compensated event must name the failing stage, got %+v", compensated[0].event)
	}
}

func TestCompensationConsumerErrorNacks(t *testing.T) {
	t.Parallel()

	logic := &stubLogic{compensateErr: errors.New("rollback failed")}
	pub := &fakePublisher{}
	exec := executor.New(cancel.NewRegistry(), logic, testLogger())
	c := NewCompensationConsumer(exec, pub, "worker-test", testLogger())

	evt := event.NewProcessEvent("proc-14", event.StatusCompensating)
	if err := c.Handle(eventMessage(t, evt)); err == nil {
		t.Fatalf("compensation failure must be nacked for redelivery")
	}
	if len(pub.events(event.ProcessCompensated)) != 0 {
		t.Fatalf("no compensated event may be published on failure")
	}
}

func TestRetryingPassesThroughSuccess(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := Retrying(func(*message.Message) error { return nil }, pub, event.MonitorRetryQueue, "monitor", 3, testLogger())

	if err := h(message.NewMessage(watermill.NewUUID(), nil)); err != nil {
		t.Fatalf("success must pass through, got %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("success must not publish, got %+v", pub.calls)
	}
}

func TestRetryingPermanentFailureSkipsRetry(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := Retrying(func(*message.Message) error {
		return broker.Permanent(errors.New("bad payload"))
	}, pub, event.MonitorRetryQueue, "monitor", 3, testLogger())

	err := h(message.NewMessage(watermill.NewUUID(), nil))
	if !errors.Is(err, broker.ErrPermanent) {
		t.Fatalf("permanent failure must be nacked, got %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("permanent failure must never be retried, got %+v", pub.calls)
	}
}

func TestRetryingSchedulesDelayedRetry(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := Retrying(func(*message.Message) error {
		return errors.New("transient store fault")
	}, pub, event.MonitorRetryQueue, "monitor", 3, testLogger())

	msg := message.NewMessage(watermill.NewUUID(), []byte("{}"))
	msg.Metadata.Set(event.RetryCountHeader, "1")
	if err := h(msg); err != nil {
		t.Fatalf("below the cap must ack, got %v", err)
	}
	if len(pub.calls) != 1 || pub.calls[0].retryQueue != event.MonitorRetryQueue || pub.calls[0].attempt != 2 {
		t.Fatalf("unexpected retry publish %+v", pub.calls)
	}
}

func TestRetryingDeadLettersAtCap(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := Retrying(func(*message.Message) error {
		return errors.New("transient store fault")
	}, pub, event.MonitorRetryQueue, "monitor", 3, testLogger())

	msg := message.NewMessage(watermill.NewUUID(), []byte("{}"))
	msg.Metadata.Set(event.RetryCountHeader, "3")
	if err := h(msg); err == nil {
		t.Fatalf("at the cap the delivery must be nacked")
	}
	if len(pub.calls) != 0 {
		t.Fatalf("no retry may be published at the cap, got %+v", pub.calls)
	}
}

func TestRetryingNacksWhenRetryPublishFails(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failRetry: errors.New("broker gone")}
	h := Retrying(func(*message.Message) error {
		return errors.New("transient store fault")
	}, pub, event.MonitorRetryQueue, "monitor", 3, testLogger())

	if err := h(message.NewMessage(watermill.NewUUID(), []byte("{}"))); err == nil {
		t.Fatalf("failed retry publish must fall back to a nack")
	}
}
