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

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/events"
	"TaskPilot/internal/observability/metrics"
	"TaskPilot/internal/task"
	"TaskPilot/pkg/logger"
)

// Asker 同步执行一次编排请求。
type Asker interface {
	Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error)
}

// EventSource 按请求 ID 返回进度事件。
type EventSource interface {
	Events(requestID string) []events.Event
}

// Server 负责暴露 REST 接口，供外部提交与查询编排任务。
type Server struct {
	addr   string
	tasks  *task.Service
	asker  Asker
	events EventSource
	logger *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithAsker 启用同步问答接口。
func WithAsker(asker Asker) Option {
	return func(s *Server) { s.asker = asker }
}

// WithEventSource 启用事件查询接口。
func WithEventSource(source EventSource) Option {
	return func(s *Server) { s.events = source }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.logger = log
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: tasks, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带指标采集的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/tasks", instrument("tasks", s.handleTasks))
	mux.Handle("/api/v1/tasks/", instrument("task_detail", s.handleTaskDetail))
	mux.Handle("/api/v1/stats", instrument("stats", s.handleStats))
	mux.Handle("/api/v1/ask", instrument("ask", s.handleAsk))
	mux.Handle("/healthz", instrument("healthz", s.handleHealth))
	mux.Handle("/metrics", metrics.Handler())
	return mux
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
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

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

type submitRequest struct {
	ID       string         `json:"id,omitempty"`
	Query    string         `json:"query"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r submitRequest) toTaskRequest() agent.TaskRequest {
	return agent.TaskRequest{ID: r.ID, Query: r.Query, Metadata: r.Metadata}
}

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateTask 创建异步任务，立即返回排队中的任务。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req.toTaskRequest())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTaskDetail 处理 /api/v1/tasks/{id} 与 /api/v1/tasks/{id}/events。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	id, suffix, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	switch suffix {
	case "":
		if s.tasks == nil {
			http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
			return
		}
		found, err := s.tasks.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	case "events":
		if s.events == nil {
			http.Error(w, "事件记录未启用", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s.requestEvents(r.Context(), id))
	default:
		http.NotFound(w, r)
	}
}

// requestEvents 返回 id 对应的事件。id 是任务时按尝试顺序拼接每次执行的事件流，
// 每段都有自己的请求 ID、从 1 开始的序号和一个终止事件。
func (s *Server) requestEvents(ctx context.Context, id string) []events.Event {
	if s.tasks != nil {
		if found, err := s.tasks.Get(ctx, id); err == nil {
			out := make([]events.Event, 0)
			for attempt := 1; attempt <= found.Attempts; attempt++ {
				out = append(out, s.events.Events(task.AttemptRequestID(found.ID, attempt))...)
			}
			return out
		}
	}
	return s.events.Events(id)
}

// handleAsk 同步执行请求并返回最终结果。
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.asker == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result, err := s.asker.Execute(r.Context(), req.toTaskRequest())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 6)
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	resp := errorResponse{Code: code, Message: err.Error()}
	if typed, ok := xerrors.From(err); ok {
		resp.Metadata = typed.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, resp)
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeTokenBudgetExceeded:
		return http.StatusUnprocessableEntity
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCancelled:
		return http.StatusRequestTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个处理器的请求数与耗时。
func instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
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
