// Package internalapi serves the backup status endpoints used by the
// replication pipeline and by operators, and provides a client for them.
package internalapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
	"github.com/nguyentanjr/file-storage-based-aws/server/files"
	"github.com/nguyentanjr/file-storage-based-aws/server/jobqueue"
	"github.com/nguyentanjr/file-storage-based-aws/server/replication"
)

// APIKeyHeader carries the shared secret. The apiKey query parameter is
// accepted as well.
const APIKeyHeader = "X-API-Key"

// BackupStore reads and writes backup status rows.
type BackupStore interface {
	GetBackupRecord(ctx context.Context, resourceID int64) (db.BackupRecord, error)
	UpdateBackupStatus(ctx context.Context, resourceID int64, status backupstatus.Status, errMsg *string) (db.BackupRecord, error)
}

// Retrier re-enqueues the backup of an existing resource.
type Retrier interface {
	RetryBackup(ctx context.Context, resourceID int64) error
}

// QueueStats reports job queue depth.
type QueueStats interface {
	Stats(ctx context.Context) (jobqueue.Stats, error)
}

// Server is the internal backup status API.
type Server struct {
	addr    string
	apiKey  string
	store   BackupStore
	retrier Retrier
	queue   QueueStats
	server  *http.Server
}

// ServerOptions configures a Server. Retrier and Queue are optional; their
// routes answer 503 when unset.
type ServerOptions struct {
	Addr    string
	APIKey  string
	Store   BackupStore
	Retrier Retrier
	Queue   QueueStats
}

func New(options ServerOptions) (*Server, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("backup store is required for internal API server")
	}
	if options.APIKey == "" {
		logger.Warn("Internal API: no API key configured, endpoints are unauthenticated")
	}
	return &Server{
		addr:    options.Addr,
		apiKey:  options.APIKey,
		store:   options.Store,
		retrier: options.Retrier,
		queue:   options.Queue,
	}, nil
}

// Start runs the server until ctx is cancelled. Failures are sent to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create internal API server: %w", err)
		return
	}

	logger.Info("Internal API: starting", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("internal API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Internal API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Internal API: error shutting down", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with logging, metrics and auth applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.metricsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	internal := router.PathPrefix("/api/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/backup/{resourceId}/status", s.handleUpdateStatus).Methods("POST")
	internal.HandleFunc("/backup/{resourceId}/status", s.handleGetStatus).Methods("GET")
	internal.HandleFunc("/backup/{resourceId}/retry", s.handleRetry).Methods("POST")
	internal.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Internal API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.code)).Inc()
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := r.Header.Get(APIKeyHeader)
		if provided == "" {
			provided = r.URL.Query().Get("apiKey")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
			logger.Warn("Internal API: unauthorized request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized", "message": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Internal API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func resourceID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["resourceId"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Request/Response types

type UpdateStatusRequest struct {
	Status string  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

type UpdateStatusResponse struct {
	Success    bool       `json:"success"`
	ResourceID int64      `json:"resourceId"`
	Status     string     `json:"status"`
	UpdatedAt  *time.Time `json:"updatedAt"`
}

type StatusResponse struct {
	ResourceID   int64      `json:"resourceId"`
	BackupStatus string     `json:"backupStatus"`
	BackupAt     *time.Time `json:"backupAt"`
	BackupError  *string    `json:"backupError"`
	FilePath     string     `json:"filePath"`
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid resource ID")
		return
	}

	defer r.Body.Close()
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Status == "" {
		s.writeError(w, http.StatusBadRequest, "Status is required")
		return
	}
	status, err := backupstatus.ParseUpdatable(req.Status)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "Invalid status",
			"validStatuses": backupstatus.ValidUpdateStatuses(),
		})
		return
	}

	rec, err := s.store.UpdateBackupStatus(r.Context(), id, status, req.Error)
	switch {
	case errors.Is(err, db.ErrResourceNotFound):
		logger.Warn("Internal API: resource not found", "resource_id", id)
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "Resource not found", "resourceId": id})
		return
	case errors.Is(err, backupstatus.ErrInvalidTransition):
		logger.Warn("Internal API: rejected status transition", "resource_id", id, "status", status, "error", err)
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "Invalid status transition", "message": err.Error()})
		return
	case err != nil:
		logger.Error("Internal API: failed to update backup status", "resource_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logger.Info("Internal API: backup status updated", "resource_id", id, "status", status, "backup_error", req.Error)
	s.writeJSON(w, http.StatusOK, UpdateStatusResponse{
		Success:    true,
		ResourceID: id,
		Status:     string(rec.Status),
		UpdatedAt:  rec.BackupAt,
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid resource ID")
		return
	}

	rec, err := s.store.GetBackupRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrResourceNotFound) {
			s.writeError(w, http.StatusNotFound, "Resource not found")
			return
		}
		logger.Error("Internal API: failed to read backup status", "resource_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{
		ResourceID:   rec.ResourceID,
		BackupStatus: string(rec.Status),
		BackupAt:     rec.BackupAt,
		BackupError:  rec.BackupError,
		FilePath:     rec.ObjectKey,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid resource ID")
		return
	}
	if s.retrier == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Backup retry not available")
		return
	}

	if err := s.retrier.RetryBackup(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrResourceNotFound) || errors.Is(err, replication.ErrResourceNotFound) {
			s.writeError(w, http.StatusNotFound, "Resource not found")
			return
		}
		if errors.Is(err, files.ErrBackupOff) {
			s.writeError(w, http.StatusServiceUnavailable, "Backup is disabled")
			return
		}
		logger.Error("Internal API: failed to retry backup", "resource_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	rec, err := s.store.GetBackupRecord(r.Context(), id)
	if err != nil {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "resourceId": id})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"resourceId":  id,
		"status":      rec.Status,
		"backupError": rec.BackupError,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Job queue not available")
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		logger.Error("Internal API: failed to read queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
