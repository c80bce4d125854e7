package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/explorer"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/task"
	"ChainPilot/internal/workflow"
	"ChainPilot/pkg/logger"
)

// TaskService 是异步指令任务的提交与查询能力。
type TaskService interface {
	Submit(ctx context.Context, req agent.TaskRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// ContractExplorer 提供合约探索。
type ContractExplorer interface {
	ExploreContracts(ctx context.Context, req explorer.Request) (*explorer.Result, error)
}

// WorkflowEngine 提供工作流定义、执行与取消。
type WorkflowEngine interface {
	Definitions() []*workflow.Definition
	ExecuteWorkflow(ctx context.Context, workflowID string, params map[string]any) (*workflow.Result, error)
	Execution(id string) (*workflow.Execution, bool)
	CancelExecution(id string) error
}

// Server 负责暴露 REST 接口，只做参数解析与结果编码。
type Server struct {
	addr        string
	tasks       TaskService
	explorer    ContractExplorer
	workflows   WorkflowEngine
	middleware  []func(http.Handler) http.Handler
	exposeStats bool
	logger      *slog.Logger
}

// Option 定义 Server 的可选依赖。
type Option func(*Server)

// WithTaskService 注册任务接口。
func WithTaskService(svc TaskService) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithExplorer 注册合约探索接口。
func WithExplorer(e ContractExplorer) Option {
	return func(s *Server) { s.explorer = e }
}

// WithWorkflowEngine 注册工作流接口。
func WithWorkflowEngine(engine WorkflowEngine) Option {
	return func(s *Server) { s.workflows = engine }
}

// WithMiddleware 追加 HTTP 中间件，先注册的位于外层。
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		if mw != nil {
			s.middleware = append(s.middleware, mw)
		}
	}
}

// WithMetrics 暴露 /metrics 并统计每个路由的请求。
func WithMetrics() Option {
	return func(s *Server) { s.exposeStats = true }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskDetail)
	mux.HandleFunc("GET /api/v1/contracts/{address}", s.handleContract)
	mux.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/v1/workflows/{id}/executions", s.handleExecuteWorkflow)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleExecutionDetail)
	mux.HandleFunc("DELETE /api/v1/executions/{id}", s.handleCancelExecution)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var handler http.Handler = mux
	if s.exposeStats {
		mux.Handle("GET /metrics", metrics.Handler())
		handler = metrics.Middleware(mux)
	}
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req agent.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	if s.explorer == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "合约探索器未初始化"))
		return
	}
	includeTools, _ := strconv.ParseBool(r.URL.Query().Get("tools"))
	result, err := s.explorer.ExploreContracts(r.Context(), explorer.Request{
		Address:      r.PathValue("address"),
		IncludeTools: includeTools,
	})
	if err != nil && result == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusFor(err), result)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	if s.workflows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流引擎未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.workflows.Definitions()})
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流引擎未初始化"))
		return
	}
	var body struct {
		Parameters map[string]any `json:"parameters"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
	}
	result, err := s.workflows.ExecuteWorkflow(r.Context(), r.PathValue("id"), body.Parameters)
	if err != nil && result == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("工作流执行失败", slog.String("workflow_id", r.PathValue("id")), slog.Any("error", err))
	}
	writeJSON(w, statusFor(err), result)
}

func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流引擎未初始化"))
		return
	}
	exec, ok := s.workflows.Execution(r.PathValue("id"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "执行记录不存在"))
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流引擎未初始化"))
		return
	}
	id := r.PathValue("id")
	if err := s.workflows.CancelExecution(id); err != nil {
		writeError(w, err)
		return
	}
	exec, _ := s.workflows.Execution(id)
	writeJSON(w, http.StatusOK, exec)
}

// listOptionsFromQuery 解析 limit、offset、status、q、order、has_result、since、until。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	intParam := func(name string) (int, bool, error) {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, name+" 参数必须是整数")
		}
		return v, true, nil
	}

	if v, ok, err := intParam("limit"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithLimit(v))
	}
	if v, ok, err := intParam("offset"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithOffset(v))
	}
	if v, ok, err := intParam("since"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedSince(time.Unix(int64(v), 0)))
	}
	if v, ok, err := intParam("until"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedUntil(time.Unix(int64(v), 0)))
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := strings.TrimSpace(query.Get("has_result")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "has_result 参数必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(v))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidAddress, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeNoContract, xerrors.CodeFunctionNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeValidationFailed, xerrors.CodeConditionFailed, xerrors.CodeSignerRequired, xerrors.CodeMissingDependency:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": errorBody{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
