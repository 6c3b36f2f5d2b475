// Package web provides the HTTP status page and admin API of the envctl
// daemon.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/coordinator"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/status"
)

// Runtime is the admin command surface served by the API.
type Runtime interface {
	ChangeActuator(ctx context.Context, id string, mode actuator.Mode, magnitude float64) error
	ReadSensor(ctx context.Context, id string) ([]measure.Measurement, error)
	Reload(ctx context.Context, id string) error
	ReloadAll(ctx context.Context, kind config.Kind) error
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	PIDCommand(ctx context.Context, id, op string, value float64) error
	Report(ctx context.Context) coordinator.Snapshot
	Terminate()
}

// Server serves the status page and admin API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	rt         Runtime
	logger     *zap.Logger
}

// New creates a Server that reads state from the tracker and sends admin
// commands to rt.
func New(addr string, tracker *status.Tracker, rt Runtime, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{tracker: tracker, rt: rt, logger: logger.Named("http")}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/actuators/{id}", s.handleActuator).Methods(http.MethodPost)
	api.HandleFunc("/sensors/{id}", s.handleSensor).Methods(http.MethodGet)
	api.HandleFunc("/reload", s.handleReloadAll).Methods(http.MethodPost)
	api.HandleFunc("/controllers/{id}/{action:activate|deactivate|reload}", s.handleController).Methods(http.MethodPost)
	api.HandleFunc("/pid/{id}/{op}", s.handlePID).Methods(http.MethodPost)
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/terminate", s.handleTerminate).Methods(http.MethodPost)

	access := zap.NewStdLog(s.logger).Writer()
	h := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)(handlers.LoggingHandler(access, r))

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: h,
	}
	return s
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Error("render index", zap.Error(err))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
