// Package server exposes the webhook receiver, health and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-deploysync/core"
)

const defaultMaxBodyBytes int64 = 1 << 20

type InboundProcessor interface {
	Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

type Config struct {
	Addr           string
	ServiceName    string
	Mode           string
	MetricsPath    string
	MetricsHandler http.Handler
	MaxBodyBytes   int64
	Logger         core.Logger
}

type Server struct {
	processor InboundProcessor
	cfg       Config
	logger    core.Logger
	router    chi.Router
	http      *http.Server
}

func New(processor InboundProcessor, cfg Config) *Server {
	s := &Server{
		processor: processor,
		cfg:       cfg,
		logger:    glog.Ensure(cfg.Logger),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Post("/webhook", s.webhookHandler)
	if s.cfg.MetricsHandler != nil {
		path := strings.TrimSpace(s.cfg.MetricsPath)
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.cfg.MetricsHandler)
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr, "mode", s.cfg.Mode)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.cfg.ServiceName,
		"mode":    s.cfg.Mode,
	})
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeError(w, core.WrapError(err, goerrors.CategoryBadInput, "server: unreadable request body", nil))
		return
	}

	result, err := s.processor.Process(r.Context(), core.InboundRequest{
		Headers: flattenHeaders(r.Header),
		Body:    body,
		Metadata: map[string]any{
			"request_id":  middleware.GetReqID(r.Context()),
			"remote_addr": r.RemoteAddr,
		},
	})
	if err != nil {
		s.logger.Warn("webhook rejected", "status", result.StatusCode, "error", err)
		mapped := core.MapError(err)
		status := result.StatusCode
		if status == 0 {
			status = mapped.Code
		}
		writeJSON(w, status, map[string]any{
			"error": firstNonEmpty(result.Message, mapped.Message),
			"code":  mapped.TextCode,
		})
		return
	}

	response := map[string]any{"received": true}
	if result.Message != "" {
		response["message"] = result.Message
	}
	for key, value := range result.Metadata {
		response[key] = value
	}
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, response)
}

func writeError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	writeJSON(w, mapped.Code, map[string]any{
		"error": mapped.Message,
		"code":  mapped.TextCode,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(key)] = values[0]
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
