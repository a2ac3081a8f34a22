package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/internal/federation"
	"github.com/inferloop/fedgroup/internal/observability/health"
)

// statusSource is the part of the simulator the status server reads.
type statusSource interface {
	Status() federation.Status
}

// statusServer exposes run progress, health and metrics over HTTP.
type statusServer struct {
	logger  *logrus.Logger
	srv     *http.Server
	source  statusSource
	monitor *health.HealthMonitor
}

func newStatusServer(addr string, source statusSource, monitor *health.HealthMonitor, metricsPath string,
	metricsHandler http.Handler, logger *logrus.Logger) *statusServer {
	s := &statusServer{
		logger:  logger,
		source:  source,
		monitor: monitor,
	}

	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware, s.requestIDMiddleware, s.loggingMiddleware)
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/version", s.handleVersion).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	if metricsHandler != nil {
		router.Handle(metricsPath, metricsHandler).Methods("GET")
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *statusServer) handler() http.Handler {
	return s.srv.Handler
}

func (s *statusServer) start() {
	go func() {
		s.logger.WithField("address", s.srv.Addr).Info("Starting status server")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Status server failed")
		}
	}()
}

func (s *statusServer) shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.CheckAll(r.Context())
	code := http.StatusOK
	if status.OverallStatus == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *statusServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetBuildInfo())
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
