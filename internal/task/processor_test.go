package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Swarm/internal/engine"
	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/observability/alerting"
	"OpenMCP-Swarm/internal/workflow"
)

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration

	mu        sync.Mutex
	failures  []error
	executed  []string
	resumed   []string
	decisions []engine.Decision
	resumeErr error
}

func (f *fakeRunner) nextFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeRunner) Execute(ctx context.Context, task string, _ engine.Options, threadID string) (*engine.Outcome, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.executed = append(f.executed, threadID)
	f.mu.Unlock()
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	f.processed.Add(1)
	return &engine.Outcome{Success: true, Completed: true, ThreadID: threadID, Status: engine.StatusCompleted, Result: "done: " + task}, nil
}

func (f *fakeRunner) Resume(_ context.Context, threadID string, decisions ...engine.Decision) (*engine.Outcome, error) {
	f.mu.Lock()
	f.resumed = append(f.resumed, threadID)
	f.decisions = append(f.decisions, decisions...)
	resumeErr := f.resumeErr
	f.mu.Unlock()
	if resumeErr != nil {
		return nil, resumeErr
	}
	f.processed.Add(1)
	return &engine.Outcome{Success: true, Completed: true, ThreadID: threadID, Status: engine.StatusCompleted}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(8))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		req := Request{Kind: KindExecute, Task: fmt.Sprintf("goal-%d", i)}
		if _, err := service.Submit(ctx, req); err != nil {
			t.Fatalf("提交作业失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded >= total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("作业未能及时处理，已完成 %d", runner.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{
		failures:  []error{xerrors.New(CodeJobProcessing, "transient")},
		resumeErr: workflow.UnknownExecution("thread-1"),
	}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts))
	service := NewService(store, queue, 3)

	job, err := service.Submit(ctx, Request{Kind: KindExecute, Task: "summarize", ThreadID: "thread-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, queue, job.ID)

	if err := processor.Handle(ctx, job.ID); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != StatusPending || got.ErrorCode != string(CodeJobProcessing) {
		t.Fatalf("expected job back to pending, got %+v", got)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected job to be requeued, queue length %d", queue.Len())
	}
	drain(t, queue, job.ID)

	if err := processor.Handle(ctx, job.ID); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	got, _ = store.Get(ctx, job.ID)
	if got.Status != StatusSucceeded || got.Attempts != 2 || got.Outcome == nil || got.Outcome.Result != "done: summarize" {
		t.Fatalf("unexpected final job: %+v", got)
	}
	if len(runner.resumed) != 1 || len(runner.executed) != 2 {
		t.Fatalf("expected a resume attempt before re-executing, resumed=%v executed=%v", runner.resumed, runner.executed)
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["stage"] != "retry" || alerts.events[0].JobID != job.ID {
		t.Fatalf("unexpected alerts: %+v", alerts.events)
	}
}

func TestProcessorNonRetryableFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{failures: []error{workflow.InvalidTask("task must not be empty")}}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts))

	if err := store.Create(ctx, &Job{ID: "j", Kind: KindExecute, ThreadID: "t", Task: "x", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.Handle(ctx, "j"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "j")
	if got.Status != StatusFailed || got.ErrorCode != string(workflow.CodeInvalidTask) {
		t.Fatalf("unexpected job: %+v", got)
	}
	if queue.Len() != 0 {
		t.Fatalf("non-retryable job must not be requeued")
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["stage"] != "non_retryable" {
		t.Fatalf("unexpected alerts: %+v", alerts.events)
	}

	// 已结束的作业不会被再次执行
	if err := processor.Handle(ctx, "j"); err != nil {
		t.Fatalf("handle finished job: %v", err)
	}
	if len(runner.executed) != 1 {
		t.Fatalf("expected a single execution, got %d", len(runner.executed))
	}
}

func TestProcessorConflictRetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	conflict := xerrors.New(workflow.CodeExecutionConflict, "busy")
	runner := &fakeRunner{failures: []error{conflict}}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts))

	if err := store.Create(ctx, &Job{ID: "j", Kind: KindExecute, ThreadID: "t", Task: "x", Status: StatusPending, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.Handle(ctx, "j"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "j")
	if got.Status != StatusFailed || got.ErrorCode != string(workflow.CodeExecutionConflict) {
		t.Fatalf("expected terminal failure after last attempt, got %+v", got)
	}
	if queue.Len() != 0 {
		t.Fatalf("exhausted job must not be requeued")
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alerts: %+v", alerts.events)
	}
}

func TestProcessorResumeJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{}
	processor := NewProcessor(runner, store, queue, queue)
	service := NewService(store, queue, 2)

	job, err := service.Submit(ctx, Request{
		Kind:      KindResume,
		ThreadID:  "thread-9",
		Decisions: []engine.Decision{{ID: "approval-1", Approved: true}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, queue, job.ID)
	if err := processor.Handle(ctx, job.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(runner.resumed) != 1 || runner.resumed[0] != "thread-9" {
		t.Fatalf("unexpected resume calls: %v", runner.resumed)
	}
	if len(runner.decisions) != 1 || runner.decisions[0].ID != "approval-1" || !runner.decisions[0].Approved {
		t.Fatalf("unexpected decisions: %+v", runner.decisions)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != StatusSucceeded {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 2)

	cases := []Request{
		{Kind: KindExecute, Task: "   "},
		{Kind: KindResume},
		{Kind: "cancel", ThreadID: "t"},
		{Kind: KindResume, ThreadID: "t", Decisions: []engine.Decision{{Approved: true}}},
	}
	for i, req := range cases {
		if _, err := service.Submit(ctx, req); !IsJobError(err, CodeJobValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if queue.Len() != 0 {
		t.Fatalf("invalid requests must not be queued")
	}
}

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 2)

	first, err := service.Submit(ctx, Request{ID: "job-1", Kind: KindExecute, Task: "plan"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.ThreadID == "" || first.MaxRetries != 2 || first.Status != StatusPending {
		t.Fatalf("unexpected job: %+v", first)
	}
	second, err := service.Submit(ctx, Request{ID: "job-1", Kind: KindExecute, Task: "other"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ThreadID != first.ThreadID || second.Task != "plan" {
		t.Fatalf("expected existing job, got %+v", second)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected a single publish, got %d", queue.Len())
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	_ = queue.Close()
	service := NewService(store, queue, 2)

	_, err := service.Submit(ctx, Request{ID: "job-x", Kind: KindExecute, Task: "plan"})
	if !IsJobError(err, CodeJobPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	got, getErr := store.Get(ctx, "job-x")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if got.Status != StatusFailed || got.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{latency: 10 * time.Millisecond}
	service := NewService(store, queue, 2)
	processor := NewProcessor(runner, store, queue, queue)

	go func() { _ = processor.Start(ctx) }()

	job, err := service.Submit(ctx, Request{Kind: KindExecute, Task: "wait"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	finished, err := service.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != StatusSucceeded || finished.Outcome == nil || !finished.Outcome.Success {
		t.Fatalf("unexpected job: %+v", finished)
	}
}

func drain(t *testing.T, queue *MemoryQueue, want string) {
	t.Helper()
	select {
	case got := <-queue.ch:
		if got != want {
			t.Fatalf("unexpected queued job %s, want %s", got, want)
		}
	default:
		t.Fatalf("expected %s to be queued", want)
	}
}
