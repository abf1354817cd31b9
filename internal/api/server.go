// internal/api/server.go
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/monitor"
	"github.com/rovshanmuradov/solana-riskguard/internal/threshold"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// LoopStatus exposes the state of the monitor loop.
type LoopStatus interface {
	Stage() monitor.Stage
	LastReport() *monitor.CycleReport
}

// ScopeStatus exposes per-scope breach state.
type ScopeStatus interface {
	Status() []threshold.ScopeStatus
}

// Config настраивает HTTP-сервер статуса.
type Config struct {
	Addr string
	// MaxReportAge marks the loop unhealthy when the last cycle finished
	// longer ago than this. Zero disables the check.
	MaxReportAge time.Duration
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Stage      monitor.Stage           `json:"stage"`
	Scopes     []threshold.ScopeStatus `json:"scopes"`
	LastReport *monitor.CycleReport    `json:"last_report,omitempty"`
}

type healthResponse struct {
	Status    string        `json:"status"`
	Stage     monitor.Stage `json:"stage"`
	LastCycle *time.Time    `json:"last_cycle,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Server отдаёт /status, /healthz и /metrics.
type Server struct {
	cfg      Config
	loop     LoopStatus
	scopes   ScopeStatus
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	now      func() time.Time
	router   *mux.Router
}

// NewServer собирает маршруты. gatherer nil означает prometheus.DefaultGatherer.
func NewServer(cfg Config, loop LoopStatus, scopes ScopeStatus, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		loop:     loop,
		scopes:   scopes,
		gatherer: gatherer,
		logger:   logger.Named("api"),
		now:      time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery(s.logger))
	router.Use(logging(s.logger))

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("📍 Status server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Status server shutdown failed", zap.Error(err))
		return err
	}
	s.logger.Info("Status server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Stage:      s.loop.Stage(),
		LastReport: s.loop.LastReport(),
	}
	if s.scopes != nil {
		resp.Scopes = s.scopes.Status()
	}
	if resp.Scopes == nil {
		resp.Scopes = []threshold.ScopeStatus{}
	}
	s.respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Stage: s.loop.Stage()}
	code := http.StatusOK

	if last := s.loop.LastReport(); last != nil {
		finished := last.FinishedAt
		resp.LastCycle = &finished
		resp.LastError = last.Error
		if s.cfg.MaxReportAge > 0 && s.now().Sub(finished) > s.cfg.MaxReportAge {
			resp.Status = "stale"
			code = http.StatusServiceUnavailable
		}
	}
	s.respondWithJSON(w, code, resp)
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
