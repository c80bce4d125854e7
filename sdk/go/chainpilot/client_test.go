package chainpilot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/api"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/explorer"
	"ChainPilot/internal/task"
	"ChainPilot/internal/workflow"
)

type stubExplorer struct{}

func (stubExplorer) ExploreContracts(_ context.Context, req explorer.Request) (*explorer.Result, error) {
	if req.Address == "0xdead" {
		err := xerrors.New(xerrors.CodeNoContract, "地址上没有合约代码")
		return &explorer.Result{Success: false, Contracts: []*explorer.ExplorationData{}, Error: err.Error()}, err
	}
	return &explorer.Result{Success: true, Contracts: []*explorer.ExplorationData{{Address: req.Address}}}, nil
}

type stubWorkflows struct{}

func (stubWorkflows) Definitions() []*workflow.Definition {
	return []*workflow.Definition{{ID: "native_transfer", Name: "Native Transfer"}}
}

func (stubWorkflows) ExecuteWorkflow(_ context.Context, id string, _ map[string]any) (*workflow.Result, error) {
	if id == "gated" {
		err := xerrors.New(xerrors.CodeValidationFailed, "余额不足")
		return &workflow.Result{Success: false, Error: err.Error()}, err
	}
	return &workflow.Result{Success: true, Execution: &workflow.Execution{ID: "exec-1", WorkflowID: id, Status: workflow.StatusCompleted}}, nil
}

func (stubWorkflows) Execution(id string) (*workflow.Execution, bool) {
	return &workflow.Execution{ID: id, Status: workflow.StatusRunning}, id == "exec-1"
}

func (stubWorkflows) CancelExecution(id string) error {
	if id != "exec-1" {
		return xerrors.New(xerrors.CodeNotFound, "执行记录不存在")
	}
	return nil
}

func newTestClient(t *testing.T) (*Client, *task.MemoryStore) {
	t.Helper()
	store := task.NewMemoryStore()
	srv := api.NewServer(":0",
		api.WithTaskService(task.NewService(store, task.NewMemoryQueue(8), 3)),
		api.WithExplorer(stubExplorer{}),
		api.WithWorkflowEngine(stubWorkflows{}),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client, err := NewClient(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, store
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, store := newTestClient(t)

	created, err := client.SubmitTask(ctx, agent.TaskRequest{ID: "t-1", Instruction: "check balance"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.Status != task.StatusPending {
		t.Fatalf("unexpected status %s", created.Status)
	}

	if err := store.MarkSucceeded(ctx, "t-1", task.ExecutionResult{ActionType: "query_blockchain", Success: true}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	done, err := client.WaitForTask(ctx, "t-1", 10*time.Millisecond)
	if err != nil || done.Status != task.StatusSucceeded {
		t.Fatalf("unexpected wait result %+v %v", done, err)
	}

	tasks, err := client.ListTasks(ctx, TaskFilter{Statuses: []task.Status{task.StatusSucceeded}, Limit: 10})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("unexpected list %v %v", tasks, err)
	}
	stats, err := client.TaskStats(ctx, TaskFilter{})
	if err != nil || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}

	_, err = client.GetTask(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != string(task.CodeTaskNotFound) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestExploreAndWorkflows(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	result, err := client.ExploreContract(ctx, "0xabc", true)
	if err != nil || !result.Success || result.Contracts[0].Address != "0xabc" {
		t.Fatalf("unexpected exploration %+v %v", result, err)
	}
	result, err = client.ExploreContract(ctx, "0xdead", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "" {
		t.Fatalf("unexpected exploration error %v", err)
	}
	if result == nil || result.Success || result.Error == "" {
		t.Fatalf("failed exploration body should be decoded: %+v", result)
	}

	defs, err := client.Workflows(ctx)
	if err != nil || len(defs) != 1 || defs[0].ID != "native_transfer" {
		t.Fatalf("unexpected workflows %v %v", defs, err)
	}
	run, err := client.ExecuteWorkflow(ctx, "native_transfer", map[string]any{"to": "0x01"})
	if err != nil || run.Execution.ID != "exec-1" {
		t.Fatalf("unexpected run %+v %v", run, err)
	}
	run, err = client.ExecuteWorkflow(ctx, "gated", nil)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity || run.Success {
		t.Fatalf("gated workflow should fail with 422: %+v %v", run, err)
	}

	exec, err := client.Execution(ctx, "exec-1")
	if err != nil || exec.Status != workflow.StatusRunning {
		t.Fatalf("unexpected execution %+v %v", exec, err)
	}
	if _, err := client.CancelExecution(ctx, "nope"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected cancel error %v", err)
	}
}

func TestTokenIsSent(t *testing.T) {
	var header string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"workflows":[]}`))
	}))
	defer ts.Close()

	client, err := NewClient(ts.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetToken("secret")
	if _, err := client.Workflows(context.Background()); err != nil {
		t.Fatalf("workflows: %v", err)
	}
	if header != "Bearer secret" {
		t.Fatalf("unexpected authorization header %q", header)
	}
}
