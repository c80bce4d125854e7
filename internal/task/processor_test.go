package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/interpreter"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/workflow"
)

type fakeAgent struct {
	processed atomic.Int32
	latency   time.Duration
	fail      func(req agent.TaskRequest) error
}

func (f *fakeAgent) Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	result := &agent.TaskResult{
		Instruction:  req.Instruction,
		ActionType:   "query_blockchain",
		Success:      true,
		ExecutionID:  "exec-" + req.ID,
		Transactions: []workflow.TransactionRecord{{Hash: "0xabc"}},
		ChainID:      "0x1",
	}
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			result.Success = false
			result.Error = err.Error()
			return result, err
		}
	}
	return result, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Metadata["stage"])
	}
	return out
}

type staticRecovery struct{}

func (staticRecovery) Recover(_ context.Context, task *Task, _ error) (*ExecutionResult, error) {
	return &ExecutionResult{ActionType: "degraded", Error: "fallback for " + task.ID}, nil
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeAgent{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		instruction := fmt.Sprintf("check balance %d", i)
		if _, err := service.Submit(ctx, agent.TaskRequest{Instruction: instruction}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRecordsSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 3)
	processor := NewProcessor(&fakeAgent{}, store, queue, queue)

	task, err := service.Submit(ctx, agent.TaskRequest{ID: "t-ok", Instruction: "check balance", Parameters: map[string]any{"address": "0xabc"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.handle(ctx, task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, err := store.Get(ctx, "t-ok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Result == nil || got.Result.ExecutionID != "exec-t-ok" {
		t.Fatalf("unexpected task %+v", got)
	}
	if len(got.Result.Transactions) != 1 || got.Result.Transactions[0] != "0xabc" {
		t.Fatalf("unexpected transactions %v", got.Result.Transactions)
	}

	again, err := service.Submit(ctx, agent.TaskRequest{ID: "t-ok", Instruction: "other"})
	if err != nil || again.Instruction != "check balance" {
		t.Fatalf("resubmission should return the existing task: %+v %v", again, err)
	}
	if err := processor.handle(ctx, "t-ok"); err != nil {
		t.Fatalf("completed task should be skipped: %v", err)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingDispatcher{}
	executor := &fakeAgent{fail: func(agent.TaskRequest) error {
		return xerrors.New(xerrors.CodeChainFailure, "rpc unavailable", xerrors.WithRetryable(true))
	}}
	service := NewService(store, queue, 2)
	processor := NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts))

	if _, err := service.Submit(ctx, agent.TaskRequest{ID: "t-retry", Instruction: "check balance"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-queue.ch

	if err := processor.handle(ctx, "t-retry"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	select {
	case id := <-queue.ch:
		if id != "t-retry" {
			t.Fatalf("unexpected requeued id %s", id)
		}
	default:
		t.Fatal("retryable failure should be requeued")
	}

	if err := processor.handle(ctx, "t-retry"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	got, _ := store.Get(ctx, "t-retry")
	if got.Status != StatusFailed || got.Attempts != 2 || got.ErrorCode != string(xerrors.CodeChainFailure) {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.Result == nil || got.Result.Success {
		t.Fatalf("partial result should be kept: %+v", got.Result)
	}
	stages := alerts.stages()
	if len(stages) != 2 || stages[0] != "retry" || stages[1] != "terminal" {
		t.Fatalf("unexpected alert stages %v", stages)
	}
	if err := processor.handle(ctx, "t-retry"); err != nil {
		t.Fatalf("exhausted task should be skipped: %v", err)
	}
}

func TestProcessorNonRetryableUsesRecovery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	executor := &fakeAgent{fail: func(agent.TaskRequest) error {
		return xerrors.New(xerrors.CodeSignerRequired, "signer required")
	}}
	service := NewService(store, queue, 3)

	if _, err := service.Submit(ctx, agent.TaskRequest{ID: "t-a", Instruction: "send 1 eth"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := service.Submit(ctx, agent.TaskRequest{ID: "t-b", Instruction: "send 1 eth"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	plain := NewProcessor(executor, store, queue, queue)
	if err := plain.handle(ctx, "t-a"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "t-a")
	if got.Status != StatusFailed || got.ErrorCode != string(xerrors.CodeSignerRequired) {
		t.Fatalf("unexpected task %+v", got)
	}

	recovering := NewProcessor(executor, store, queue, queue, WithRecoveryHandler(staticRecovery{}))
	if err := recovering.handle(ctx, "t-b"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ = store.Get(ctx, "t-b")
	if got.Status != StatusSucceeded || got.Result.ActionType != "degraded" || got.Result.Observations == "" {
		t.Fatalf("unexpected recovered task %+v", got.Result)
	}
}

type stubPlanner struct{ calls int }

func (p *stubPlanner) InterpretTask(_ context.Context, req interpreter.TaskRequest) (*interpreter.ExecutableAction, error) {
	p.calls++
	return &interpreter.ExecutableAction{
		Type:        interpreter.ActionTransferTokens,
		Description: "转账 " + req.Instruction,
		Steps:       []interpreter.ActionStep{{ID: "send", Action: interpreter.StepSendTransaction}},
	}, nil
}

func TestPlanRecoveryReturnsUnsignedPlan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 3)
	planner := &stubPlanner{}
	code := xerrors.CodeSignerRequired
	executor := &fakeAgent{fail: func(agent.TaskRequest) error { return xerrors.New(code, "signer required") }}
	processor := NewProcessor(executor, store, queue, queue, WithRecoveryHandler(NewPlanRecovery(planner)))

	if _, err := service.Submit(ctx, agent.TaskRequest{ID: "t-plan", Instruction: "send 1 eth"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.handle(ctx, "t-plan"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "t-plan")
	if got.Status != StatusSucceeded || got.Result.Success || got.Result.ActionType != string(interpreter.ActionTransferTokens) {
		t.Fatalf("unexpected degraded task %+v", got.Result)
	}
	if got.Result.Outputs["plan"] == nil || !strings.Contains(got.Result.Observations, "执行计划") {
		t.Fatalf("plan should be returned: %+v", got.Result)
	}

	code = xerrors.CodeFunctionNotFound
	if _, err := service.Submit(ctx, agent.TaskRequest{ID: "t-other", Instruction: "call mint"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.handle(ctx, "t-other"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ = store.Get(ctx, "t-other")
	if got.Status != StatusFailed || planner.calls != 1 {
		t.Fatalf("other codes must keep failing: status=%s planner calls=%d", got.Status, planner.calls)
	}
}

func TestServiceValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 0)
	if _, err := service.Submit(context.Background(), agent.TaskRequest{Instruction: " "}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := NewService(nil, nil, 1).Submit(context.Background(), agent.TaskRequest{Instruction: "x"}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
