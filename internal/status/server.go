// Package status serves a read-only view of the resilience core over HTTP:
// current health, version snapshots, backup schedule status, a websocket
// health stream and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/backup"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/health"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/version"
)

// HealthSource returns the latest health result, nil if none yet.
type HealthSource interface {
	Current() *health.SystemHealth
}

// VersionSource lists version snapshots.
type VersionSource interface {
	ListVersions() ([]version.Snapshot, error)
	CurrentVersion() (string, error)
}

// BackupSource reports the backup schedule.
type BackupSource interface {
	Status() (*backup.ScheduleStatus, error)
}

// Config holds status server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8089)
	Addr string

	// RequestsPerSecond and Burst bound the request rate (default: 10/20).
	RequestsPerSecond float64
	Burst             int

	// Origins are extra websocket origin patterns.
	Origins []string

	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
}

// Server is the status HTTP server. Sources left nil answer 404.
type Server struct {
	cfg      Config
	health   HealthSource
	versions VersionSource
	backups  BackupSource
	hub      *Hub
	logger   logrus.FieldLogger
	handler  http.Handler
}

// New builds the server and its routes.
func New(cfg Config, h HealthSource, v VersionSource, b BackupSource) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8089"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "status")

	s := &Server{
		cfg:      cfg,
		health:   h,
		versions: v,
		backups:  b,
		logger:   logger,
	}
	s.hub = NewHub(logger, cfg.Origins, s.initialHealth)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", getOnly(s.handleHealth))
	mux.HandleFunc("/api/versions", getOnly(s.handleVersions))
	mux.HandleFunc("/api/backups", getOnly(s.handleBackups))
	mux.Handle("/ws/health", s.hub)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	s.handler = securityHeaders(rateLimit(mux, cfg.RequestsPerSecond, cfg.Burst))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// PublishHealth pushes a health result to websocket clients. It fits
// health.DaemonConfig.OnResult.
func (s *Server) PublishHealth(h *health.SystemHealth) {
	s.hub.Broadcast(healthMessage{Type: "health", Health: h})
}

type healthMessage struct {
	Type   string               `json:"type"`
	Health *health.SystemHealth `json:"health"`
}

func (s *Server) initialHealth() interface{} {
	if s.health == nil {
		return nil
	}
	h := s.health.Current()
	if h == nil {
		return nil
	}
	return healthMessage{Type: "health", Health: h}
}

// Start listens on Addr and serves until ctx is done. It returns the bound
// address, useful with port 0.
func (s *Server) Start(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("status server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("status server shutdown error")
		}
	}()

	addr := ln.Addr().String()
	s.logger.WithField("addr", addr).Info("status server listening")
	return addr, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, http.StatusNotFound, "health monitoring not enabled")
		return
	}
	h := s.health.Current()
	if h == nil {
		writeError(w, http.StatusServiceUnavailable, "no health check has run yet")
		return
	}
	code := http.StatusOK
	if h.Level() == health.LevelCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if s.versions == nil {
		writeError(w, http.StatusNotFound, "version management not enabled")
		return
	}
	snaps, err := s.versions.ListVersions()
	if err != nil {
		s.logger.WithError(err).Error("failed to list versions")
		writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	current, err := s.versions.CurrentVersion()
	if err != nil {
		s.logger.WithError(err).Error("failed to read current version")
		writeError(w, http.StatusInternalServerError, "failed to read current version")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current":  current,
		"versions": snaps,
	})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusNotFound, "backups not enabled")
		return
	}
	st, err := s.backups.Status()
	if err != nil {
		s.logger.WithError(err).Error("failed to read backup status")
		writeError(w, http.StatusInternalServerError, "failed to read backup status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
