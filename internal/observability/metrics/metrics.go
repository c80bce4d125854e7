package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainpilot"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"route", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"route", "method"})

	taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "outcomes_total",
		Help:      "Instruction task outcomes by status and error code.",
	}, []string{"status", "code"})

	workflowRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "executions_total",
		Help:      "Workflow executions by workflow id and final status.",
	}, []string{"workflow", "status"})

	workflowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of workflow executions in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"workflow"})

	contractAnalyses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "analyses_total",
		Help:      "Contract analyses by result source (cache, chain, error).",
	}, []string{"source"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpDuration,
		taskOutcomes,
		workflowRuns,
		workflowDuration,
		contractAnalyses,
	)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveTask 记录任务的终态或重试，code 为空表示成功。
func ObserveTask(status, code string) {
	taskOutcomes.WithLabelValues(status, code).Inc()
}

// ObserveWorkflow 记录一次工作流执行。
func ObserveWorkflow(workflowID, status string, duration time.Duration) {
	workflowRuns.WithLabelValues(workflowID, status).Inc()
	workflowDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// ObserveAnalysis 记录合约分析的来源。
func ObserveAnalysis(source string) {
	contractAnalyses.WithLabelValues(source).Inc()
}

// Handler 以 Prometheus 文本格式暴露全部指标。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// Middleware 统计经过 next 的请求，route 为注册的路由模式。
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
