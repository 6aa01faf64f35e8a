package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"OpenPlugin-Guard/internal/auth"
	"OpenPlugin-Guard/internal/bus"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/observability/metrics"
	"OpenPlugin-Guard/internal/sysinfo"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
	"OpenPlugin-Guard/pkg/plugin"
)

// maxBundleBytes 限制单个插件包请求体大小。
const maxBundleBytes = 8 << 20

// Plugins 是服务端依赖的插件生命周期接口，由 plugin.Manager 实现。
type Plugins interface {
	RegisterPlugin(ctx context.Context, bundle manifest.Bundle, opts plugin.RegisterOptions) (plugin.Info, error)
	UpgradePlugin(ctx context.Context, bundle manifest.Bundle, opts plugin.RegisterOptions) (plugin.Info, error)
	UnregisterPlugin(ctx context.Context, id string) error
	EnablePlugin(ctx context.Context, id string) (plugin.Info, error)
	DisablePlugin(ctx context.Context, id string) error
	GetPlugin(ctx context.Context, id string) (plugin.Info, error)
	ListPlugins(ctx context.Context) ([]plugin.Info, error)
	Analytics(id string) (plugin.Analytics, error)
	Execute(ctx context.Context, id, function string, args []any) (any, error)
	RunHook(ctx context.Context, name string, payload any, opts bus.ExecOptions) (any, []bus.HookResult, error)
	Emit(ctx context.Context, name string, data any)
}

// Server 负责暴露插件生命周期 REST 接口。
type Server struct {
	addr    string
	plugins Plugins
	auth    *auth.Service
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。authSvc 为 nil 时不做认证。
func NewServer(addr string, plugins Plugins, authSvc *auth.Service) *Server {
	return &Server{addr: addr, plugins: plugins, auth: authSvc, log: logger.Named("api")}
}

// Handler 返回完整路由，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	read, exec, admin := auth.ScopeRead, auth.ScopeExecute, auth.ScopeAdmin

	s.route(mux, "GET /api/v1/plugins", "list_plugins", read, s.handleListPlugins)
	s.route(mux, "POST /api/v1/plugins", "register_plugin", admin, s.handleRegister)
	s.route(mux, "GET /api/v1/plugins/{id}", "get_plugin", read, s.handleGetPlugin)
	s.route(mux, "PUT /api/v1/plugins/{id}", "upgrade_plugin", admin, s.handleUpgrade)
	s.route(mux, "DELETE /api/v1/plugins/{id}", "unregister_plugin", admin, s.handleUnregister)
	s.route(mux, "POST /api/v1/plugins/{id}/enable", "enable_plugin", admin, s.handleEnable)
	s.route(mux, "POST /api/v1/plugins/{id}/disable", "disable_plugin", admin, s.handleDisable)
	s.route(mux, "GET /api/v1/plugins/{id}/analytics", "plugin_analytics", read, s.handleAnalytics)
	s.route(mux, "POST /api/v1/plugins/{id}/execute", "execute_plugin", exec, s.handleExecute)
	s.route(mux, "POST /api/v1/hooks/{name}", "run_hook", exec, s.handleRunHook)
	s.route(mux, "POST /api/v1/events/{name}", "emit_event", admin, s.handleEmit)
	s.route(mux, "GET /api/v1/permissions", "list_permissions", read, s.handlePermissions)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if p, err := sysinfo.Self(r.Context()); err == nil {
			body["rssBytes"] = p.RSS
			body["cpuPercent"] = p.CPUPercent
		}
		writeJSON(w, http.StatusOK, body)
	})
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, scope auth.Scope, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.auth != nil {
		handler = s.auth.Require(scope, name)(handler)
	}
	mux.Handle(pattern, instrument(name, handler))
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
	s.log.Info("api server listening", slog.String("addr", s.addr))

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

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	list, err := s.plugins.ListPlugins(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visibleTo(auth.SubjectFromContext(r.Context()), list))
}

// visibleTo 过滤出工作区令牌可见的插件：本工作区安装的，以及宿主全局安装的。
// 全局令牌和未启用认证时返回全部。
func visibleTo(subject *auth.Subject, list []plugin.Info) []plugin.Info {
	if subject == nil || subject.Workspace == "" {
		return list
	}
	out := make([]plugin.Info, 0, len(list))
	for _, info := range list {
		if info.Workspace == "" || strings.EqualFold(info.Workspace, subject.Workspace) {
			out = append(out, info)
		}
	}
	return out
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	bundle, ok := decodeBundle(w, r)
	if !ok {
		return
	}
	info, err := s.plugins.RegisterPlugin(r.Context(), bundle, registerOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	info, err := s.plugins.GetPlugin(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	bundle, ok := decodeBundle(w, r)
	if !ok {
		return
	}
	if id := r.PathValue("id"); bundle.Manifest.ID != id {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("bundle id %q does not match %q", bundle.Manifest.ID, id)))
		return
	}
	info, err := s.plugins.UpgradePlugin(r.Context(), bundle, registerOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.plugins.UnregisterPlugin(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	info, err := s.plugins.EnablePlugin(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.plugins.DisablePlugin(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.plugins.Analytics(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type executeRequest struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body"))
		return
	}
	if strings.TrimSpace(req.Function) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "function is required"))
		return
	}
	out, err := s.plugins.Execute(r.Context(), r.PathValue("id"), req.Function, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

type hookRequest struct {
	Payload   any    `json:"payload"`
	Mode      string `json:"mode"`
	TimeoutMS int64  `json:"timeoutMs"`
}

type hookResult struct {
	Owner     string `json:"owner"`
	Priority  int    `json:"priority"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsedMs"`
}

func (s *Server) handleRunHook(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body"))
		return
	}
	opts := bus.ExecOptions{Mode: bus.Mode(req.Mode), Timeout: time.Duration(req.TimeoutMS) * time.Millisecond}
	out, results, err := s.plugins.RunHook(r.Context(), r.PathValue("name"), req.Payload, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]hookResult, len(results))
	for i, res := range results {
		resp[i] = hookResult{Owner: res.Owner, Priority: res.Priority, Value: res.Value, ElapsedMS: res.Elapsed.Milliseconds()}
		if res.Err != nil {
			resp[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out, "callbacks": resp})
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if strings.HasPrefix(name, "plugin:") || name == bus.Wildcard {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("event name %q is reserved", name)))
		return
	}
	var data any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body"))
		return
	}
	s.plugins.Emit(r.Context(), name, data)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePermissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, permission.ByDomain())
}

func decodeBundle(w http.ResponseWriter, r *http.Request) (manifest.Bundle, bool) {
	var bundle manifest.Bundle
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBundleBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&bundle); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode plugin bundle"))
		return bundle, false
	}
	return bundle, true
}

func registerOptions(r *http.Request) plugin.RegisterOptions {
	a := auth.ActorFrom(r.Context())
	return plugin.RegisterOptions{InstalledBy: a.User, Workspace: a.Workspace}
}

type errorBody struct {
	Code    xerrors.Code      `json:"code"`
	Message string            `json:"message"`
	Details []string          `json:"details,omitempty"`
	Meta    map[string]string `json:"metadata,omitempty"`
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case xerrors.CodePermissionDenied, xerrors.CodeContentRejected:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodePluginConflict:
		return http.StatusConflict
	case xerrors.CodeVerificationFailed, xerrors.CodeCompatibilityFailed, xerrors.CodeLoadFailed,
		xerrors.CodeMigrationFailed, xerrors.CodeExecutionFailed:
		return http.StatusUnprocessableEntity
	case xerrors.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout, xerrors.CodeHookTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeSandboxTerminated, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeUnknown, Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Code = coded.Code()
		body.Message = coded.Message()
		body.Details = coded.Details()
		body.Meta = coded.Metadata()
	}
	writeJSON(w, statusFor(body.Code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个接口的请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
