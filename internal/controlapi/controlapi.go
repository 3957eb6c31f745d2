// Package controlapi exposes the engine's status/control facade spec.md
// §6 describes as "opaque...exposed via a narrow status+control facade".
// The listen address comes from Options.Addr, which cmd/dbmazz fills from
// the controlApi.port setting (DBMAZZ_CONTROLAPI_PORT); GRPC_PORT is not
// read. No .pb.go stubs can be safely hand-written without running protoc,
// so this is a minimal net/http+JSON server instead (see DESIGN.md's
// internal/controlapi entry).
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dbmazz/dbmazz/internal/engine"
	"github.com/dbmazz/dbmazz/internal/lsn"
	"github.com/dbmazz/dbmazz/internal/metrics"
)

// Controller is the subset of *engine.Engine the facade calls into. Defined
// as an interface so tests can substitute a fake without standing up a real
// replication connection.
type Controller interface {
	Stage() engine.Stage
	LSNs() *lsn.Triple
	Counters() metrics.Snapshot
	LastError() error
	Pause()
	Resume()
	Drain(ctx context.Context) error
	Reconfigure(flushSize *int, flushInterval *time.Duration)
}

// Options tunes the listening server.
type Options struct {
	Addr            string        // defaults to ":50051"
	ShutdownTimeout time.Duration // defaults to 5s, spec.md §5's HTTP grace period
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":50051"
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

// Server is the facade's HTTP handler plus its own lifecycle: a Stop call
// cancels the engine's run loop via the cancel func supplied at construction.
type Server struct {
	ctrl   Controller
	cancel context.CancelFunc
	logger *zap.Logger
	opts   Options
	http   *http.Server
}

// New builds a facade over ctrl. cancel is called by the "stop" and
// "drain_and_stop" endpoints to unwind the engine's Run loop; it is
// typically the CancelFunc of the context passed to Engine.Run.
func New(ctrl Controller, cancel context.CancelFunc, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ctrl: ctrl, cancel: cancel, logger: logger, opts: opts.withDefaults()}

	mux := http.NewServeMux()
	mux.HandleFunc("/get_stage", s.handleGetStage)
	mux.HandleFunc("/get_lsns", s.handleGetLSNs)
	mux.HandleFunc("/get_counters", s.handleGetCounters)
	mux.HandleFunc("/get_last_error", s.handleGetLastError)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/drain_and_stop", s.handleDrainAndStop)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/reload_config", s.handleReloadConfig)

	s.http = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return s
}

// Start runs the facade's HTTP server until ctx is canceled, then shuts it
// down within Options.ShutdownTimeout. Mirrors internal/metrics's
// StartPrometheusServer shutdown idiom.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.logger.Info("control facade listening", zap.String("addr", s.opts.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control facade server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("control facade shutdown did not complete cleanly", zap.Error(err))
		}
	}()
}

type stageResponse struct {
	Stage string `json:"stage"`
}

type lsnsResponse struct {
	Received  string `json:"received"`
	Applied   string `json:"applied"`
	Confirmed string `json:"confirmed"`
}

type lastErrorResponse struct {
	Error string `json:"error,omitempty"`
}

type reloadConfigRequest struct {
	FlushSize       *int `json:"flush_size,omitempty"`
	FlushIntervalMS *int `json:"flush_interval_ms,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleGetStage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stageResponse{Stage: s.ctrl.Stage().String()})
}

func (s *Server) handleGetLSNs(w http.ResponseWriter, r *http.Request) {
	triple := s.ctrl.LSNs()
	writeJSON(w, http.StatusOK, lsnsResponse{
		Received:  triple.Received().String(),
		Applied:   triple.Applied().String(),
		Confirmed: triple.Confirmed().String(),
	})
}

func (s *Server) handleGetCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Counters())
}

func (s *Server) handleGetLastError(w http.ResponseWriter, r *http.Request) {
	resp := lastErrorResponse{}
	if err := s.ctrl.LastError(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.ctrl.Pause()
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.ctrl.Resume()
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleDrainAndStop flushes pending batches to their last completed
// checkpoint and then cancels the engine's run loop, matching spec.md
// §4.7's "drain drains, stop does not flush pending batches" distinction.
func (s *Server) handleDrainAndStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	drainCtx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	err := s.ctrl.Drain(drainCtx)
	if s.cancel != nil {
		s.cancel()
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, lastErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleStop cancels the engine's run loop without flushing pending
// batches; the last completed checkpoint still governs resume position.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req reloadConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, lastErrorResponse{Error: err.Error()})
		return
	}

	var interval *time.Duration
	if req.FlushIntervalMS != nil {
		d := time.Duration(*req.FlushIntervalMS) * time.Millisecond
		interval = &d
	}
	s.ctrl.Reconfigure(req.FlushSize, interval)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
