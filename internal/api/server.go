package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"OpenMCP-Swarm/internal/auth"
	"OpenMCP-Swarm/internal/capability"
	"OpenMCP-Swarm/internal/engine"
	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/observability/metrics"
	"OpenMCP-Swarm/internal/task"
	"OpenMCP-Swarm/internal/workflow"
	"OpenMCP-Swarm/pkg/logger"
)

// Engine 是 API 层依赖的引擎能力，*engine.Engine 满足该接口。
type Engine interface {
	Execute(ctx context.Context, task string, opts engine.Options, threadID string) (*engine.Outcome, error)
	Resume(ctx context.Context, threadID string, decisions ...engine.Decision) (*engine.Outcome, error)
	Status(ctx context.Context, threadID string) (*engine.Snapshot, error)
	Cancel(ctx context.Context, threadID string) error
	Tools(ctx context.Context) ([]capability.Descriptor, error)
}

// Jobs 是异步作业服务的能力，*task.Service 满足该接口。
type Jobs interface {
	Submit(ctx context.Context, req task.Request) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Job, error)
}

// Server 负责暴露 REST 接口，供外部驱动编排引擎。
type Server struct {
	addr            string
	engine          Engine
	jobs            Jobs
	auth            *auth.Service
	log             *slog.Logger
	validate        *validator.Validate
	shutdownTimeout time.Duration
}

// Option 自定义 Server。
type Option func(*Server)

// WithJobs 启用 /api/v1/jobs 接口。
func WithJobs(jobs Jobs) Option {
	return func(s *Server) {
		s.jobs = jobs
	}
}

// WithAuth 为 /api/v1 下的接口启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, eng Engine, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		engine:          eng,
		log:             logger.Named("api"),
		validate:        validator.New(),
		shutdownTimeout: 5 * time.Second,
	}
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
	mux.Handle("POST /api/v1/executions", s.guard(auth.PermissionExecute, s.handleExecute))
	mux.Handle("GET /api/v1/executions/{threadID}", s.guard(auth.PermissionRead, s.handleStatus))
	mux.Handle("DELETE /api/v1/executions/{threadID}", s.guard(auth.PermissionExecute, s.handleCancel))
	mux.Handle("POST /api/v1/executions/{threadID}/resume", s.guard(auth.PermissionApprove, s.handleResume))
	mux.Handle("POST /api/v1/jobs", s.guard(auth.PermissionJobs, s.handleSubmitJob))
	mux.Handle("GET /api/v1/jobs", s.guard(auth.PermissionRead, s.handleListJobs))
	mux.Handle("GET /api/v1/jobs/{jobID}", s.guard(auth.PermissionRead, s.handleJobDetail))
	mux.Handle("GET /api/v1/tools", s.guard(auth.PermissionRead, s.handleTools))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return observe(mux)
}

func (s *Server) guard(permission string, h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(func(*http.Request) string { return permission })(h)
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
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type executeOptions struct {
	Model       string                  `json:"model,omitempty"`
	Temperature *float64                `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Tools       []capability.Descriptor `json:"tools,omitempty"`
	Limits      workflow.Limits         `json:"limits"`
}

type executeRequest struct {
	Task     string         `json:"task" validate:"required"`
	ThreadID string         `json:"thread_id,omitempty"`
	Options  executeOptions `json:"options"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	opts := engine.Options{
		Model:  workflow.ModelOptions{Model: req.Options.Model, Temperature: req.Options.Temperature},
		Tools:  req.Options.Tools,
		Limits: req.Options.Limits,
	}
	out, err := s.engine.Execute(r.Context(), req.Task, opts, strings.TrimSpace(req.ThreadID))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// resumeRequest 既接受单个决策，也接受 decisions 数组。
type resumeRequest struct {
	engine.Decision
	Decisions []engine.Decision `json:"decisions,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	decisions := req.Decisions
	if req.ID != "" {
		decisions = append([]engine.Decision{req.Decision}, decisions...)
	}
	for _, d := range decisions {
		if err := s.validate.Struct(d); err != nil {
			s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "审批决策无效"))
			return
		}
	}
	threadID := r.PathValue("threadID")
	out, err := s.engine.Resume(r.Context(), threadID, decisions...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		for _, d := range decisions {
			logger.Audit().Info("approval_submitted",
				slog.String("thread_id", threadID),
				slog.String("approval_id", d.ID),
				slog.Bool("approved", d.Approved),
				slog.String("approver", subject.Name),
			)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Status(r.Context(), r.PathValue("threadID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	if err := s.engine.Cancel(r.Context(), threadID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": threadID, "status": string(engine.StatusCancelled)})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.engine.Tools(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tools == nil {
		tools = []capability.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业队列未启用"))
		return
	}
	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":    job.ID,
		"thread_id": job.ThreadID,
		"status":    string(job.Status),
	})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业队列未启用"))
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业队列未启用"))
		return
	}
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	for _, raw := range query["status"] {
		status := task.Status(strings.ToLower(strings.TrimSpace(raw)))
		if !task.IsValidStatus(status) {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态: "+raw))
			return
		}
		opts = append(opts, task.WithStatuses(status))
	}
	if thread := query.Get("thread_id"); thread != "" {
		opts = append(opts, task.WithThread(thread))
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	if err := s.validate.Struct(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求参数无效")
	}
	return nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case workflow.CodeInvalidTask, xerrors.CodeInvalidArgument, task.CodeJobValidation, capability.CodeInvalidArguments:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case workflow.CodeUnknownExecution, workflow.CodeUnknownApproval, task.CodeJobNotFound:
		return http.StatusNotFound
	case workflow.CodeExecutionConflict, task.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 记录每个请求的路由、状态码与耗时。
func observe(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
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
