package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/explorer"
	"ChainPilot/internal/task"
	"ChainPilot/internal/workflow"
)

type stubExplorer struct {
	req explorer.Request
}

func (s *stubExplorer) ExploreContracts(_ context.Context, req explorer.Request) (*explorer.Result, error) {
	s.req = req
	if req.Address == "0xbad" {
		err := xerrors.New(xerrors.CodeInvalidAddress, "地址格式错误")
		return &explorer.Result{Success: false, Contracts: []*explorer.ExplorationData{}, Error: err.Error()}, err
	}
	return &explorer.Result{Success: true, Contracts: []*explorer.ExplorationData{{Address: req.Address, Confidence: 0.9}}}, nil
}

type stubWorkflows struct {
	params    map[string]any
	cancelled string
}

func (s *stubWorkflows) Definitions() []*workflow.Definition {
	return []*workflow.Definition{{ID: "erc20_transfer", Name: "ERC20 Transfer"}}
}

func (s *stubWorkflows) ExecuteWorkflow(_ context.Context, id string, params map[string]any) (*workflow.Result, error) {
	s.params = params
	switch id {
	case "erc20_transfer":
		return &workflow.Result{Success: true, Execution: &workflow.Execution{ID: "exec-1", WorkflowID: id, Status: workflow.StatusCompleted}}, nil
	case "gated":
		err := xerrors.New(xerrors.CodeValidationFailed, "余额不足")
		return &workflow.Result{Success: false, Validation: &workflow.Validation{Valid: false, Errors: []string{"余额不足"}}, Error: err.Error()}, err
	default:
		return nil, xerrors.New(xerrors.CodeNotFound, "工作流不存在")
	}
}

func (s *stubWorkflows) Execution(id string) (*workflow.Execution, bool) {
	if id != "exec-1" {
		return nil, false
	}
	status := workflow.StatusRunning
	if s.cancelled == id {
		status = workflow.StatusCancelled
	}
	return &workflow.Execution{ID: id, Status: status}, true
}

func (s *stubWorkflows) CancelExecution(id string) error {
	if id != "exec-1" {
		return xerrors.New(xerrors.CodeNotFound, "执行记录不存在")
	}
	s.cancelled = id
	return nil
}

func newTestServer() (*Server, *task.MemoryStore, *task.MemoryQueue, *stubExplorer, *stubWorkflows) {
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	exp := &stubExplorer{}
	wf := &stubWorkflows{}
	srv := NewServer(":0",
		WithTaskService(task.NewService(store, queue, 3)),
		WithExplorer(exp),
		WithWorkflowEngine(wf),
	)
	return srv, store, queue, exp, wf
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTaskEndpoints(t *testing.T) {
	srv, store, _, _, _ := newTestServer()
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", `{"id":"task-1","instruction":"check balance of 0x00000000000000000000000000000000000000aa"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "task-1" || created.Status != task.StatusPending {
		t.Fatalf("unexpected task %+v", created)
	}

	if err := store.MarkSucceeded(context.Background(), "task-1", task.ExecutionResult{ActionType: "query_blockchain", Success: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/task-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var detail task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Result == nil || detail.Result.ActionType != "query_blockchain" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks?status=succeeded&limit=5", "")
	var list struct {
		Tasks []task.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tasks) != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/stats", "")
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestTaskEndpointErrors(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	h := srv.Handler()

	cases := []struct {
		method, path, body string
		status             int
		code               string
	}{
		{http.MethodPost, "/api/v1/tasks", `{"instruction":""}`, http.StatusBadRequest, string(task.CodeTaskValidation)},
		{http.MethodPost, "/api/v1/tasks", `{`, http.StatusBadRequest, string(xerrors.CodeInvalidArgument)},
		{http.MethodGet, "/api/v1/tasks/missing", "", http.StatusNotFound, string(task.CodeTaskNotFound)},
		{http.MethodGet, "/api/v1/tasks?status=unknown", "", http.StatusBadRequest, string(xerrors.CodeInvalidArgument)},
		{http.MethodGet, "/api/v1/tasks?limit=abc", "", http.StatusBadRequest, string(xerrors.CodeInvalidArgument)},
	}
	for _, tc := range cases {
		rec := do(t, h, tc.method, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: unexpected status %d", tc.method, tc.path, rec.Code)
		}
		var body struct {
			Error errorBody `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Error.Code != tc.code {
			t.Fatalf("%s %s: unexpected code %s", tc.method, tc.path, body.Error.Code)
		}
	}

	rec := do(t, h, http.MethodPut, "/api/v1/tasks", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestContractEndpoint(t *testing.T) {
	srv, _, _, exp, _ := newTestServer()
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/contracts/0xabc?tools=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if exp.req.Address != "0xabc" || !exp.req.IncludeTools {
		t.Fatalf("unexpected explorer request %+v", exp.req)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/contracts/0xbad", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var result explorer.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	srv, _, _, _, wf := newTestServer()
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/workflows", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "erc20_transfer") {
		t.Fatalf("unexpected workflows response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/workflows/erc20_transfer/executions", `{"parameters":{"amount":"5"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if wf.params["amount"] != "5" {
		t.Fatalf("parameters not forwarded: %v", wf.params)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/workflows/gated/executions", "")
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "validation") {
		t.Fatalf("unexpected gated response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/workflows/missing/executions", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/executions/exec-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running"`) {
		t.Fatalf("unexpected execution %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodDelete, "/api/v1/executions/exec-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelled"`) {
		t.Fatalf("unexpected cancel response %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/api/v1/executions/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestUninitializedServer(t *testing.T) {
	h := NewServer(":0").Handler()
	for _, path := range []string{"/api/v1/tasks", "/api/v1/workflows", "/api/v1/contracts/0xabc"} {
		rec := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

func TestMiddlewareAndMetrics(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := NewServer(":0", WithMetrics(), WithMiddleware(tag("outer")), WithMiddleware(tag("inner"))).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected middleware order %v", order)
	}

	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `chainpilot_http_requests_total{code="200",method="GET",route="GET /healthz"}`) {
		t.Fatalf("metrics should include the health request: %s", rec.Body.String())
	}
}
