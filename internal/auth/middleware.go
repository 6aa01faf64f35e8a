package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "OpenPlugin-Guard/internal/errors"
)

// Require 返回要求 scope 访问级别的中间件。event 用于审计日志。
// 认证关闭时请求直接放行，操作者记为 SystemActor。
func (s *Service) Require(scope Scope, event string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.reject(w, r, event, xerrors.CodeUnauthenticated, err, "")
				return
			}
			if err := subject.Authorize(scope, r.URL.Query().Get("workspace")); err != nil {
				s.reject(w, r, event, xerrors.CodePermissionDenied, err, subject.UserID)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(withSubject(r.Context(), subject)))
			s.audit.Info("api request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.UserID),
				slog.String("workspace", subject.Workspace),
			)
		})
	}
}

func (s *Service) reject(w http.ResponseWriter, r *http.Request, event string, code xerrors.Code, err error, user string) {
	status := http.StatusUnauthorized
	message := "a valid bearer token is required"
	if code == xerrors.CodePermissionDenied {
		status = http.StatusForbidden
		message = err.Error()
		if errors.Is(err, ErrWorkspaceScope) {
			message = "token is not valid for this workspace"
		}
	}
	s.audit.Warn("api request rejected",
		slog.String("event", event),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("user", user),
		slog.Any("error", err),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": string(code), "message": message})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
