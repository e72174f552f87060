// Package api exposes the station over a small local HTTP API used by the
// operator UI: status, manual controls, metadata lookups, signed links for
// local recordings and the live preview.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/camera"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/metadata"
	"github.com/dharsanguruparan/PackCam/internal/recording"
	"github.com/dharsanguruparan/PackCam/internal/router"
	"github.com/dharsanguruparan/PackCam/internal/scanner"
	"github.com/dharsanguruparan/PackCam/internal/signing"
	"github.com/dharsanguruparan/PackCam/internal/station"
)

// Station is the subset of station.Controller the API drives.
type Station interface {
	Status() station.Status
	Scan(port, line string)
	Toggle(ctx context.Context, orderID string) error
	StopRecording(ctx context.Context) error
	Cameras() []camera.Info
	SelectCamera(index int) error
	UpdateCameraSetting(name string, value int) error
	Ports() ([]scanner.PortInfo, error)
	SelectScanner(port string) error
	SetLimit(seconds int) error
	SetAutoDelete(v bool)
	SetOperator(op recording.Operator)
	Alerts() []station.Alert
	DismissAlert(id string) error
}

// Preview serves the live feed. preview.Hub satisfies it.
type Preview interface {
	http.Handler
	Snapshot() ([]byte, error)
}

// Options configures a Server.
type Options struct {
	Address       string
	RecordingsDir string
	SignedURLTTL  time.Duration
}

// Server hosts the local HTTP API.
type Server struct {
	opts     Options
	station  Station
	metadata *metadata.Store
	signer   *signing.Signer
	preview  Preview
	logger   *slog.Logger

	server *http.Server
	once   sync.Once
}

// New constructs a Server. metadata and preview may be nil.
func New(opts Options, st Station, store *metadata.Store, signer *signing.Signer, pv Preview, logger *slog.Logger) *Server {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 15 * time.Minute
	}
	return &Server{
		opts:     opts,
		station:  st,
		metadata: store,
		signer:   signer,
		preview:  pv,
		logger:   logging.Component(logger, "api"),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.opts.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.opts.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/record", s.handleRecord)
	mux.HandleFunc("/record/stop", s.handleRecordStop)
	mux.HandleFunc("/cameras", s.handleCameras)
	mux.HandleFunc("/camera", s.handleCamera)
	mux.HandleFunc("/camera/settings", s.handleCameraSettings)
	mux.HandleFunc("/ports", s.handlePorts)
	mux.HandleFunc("/scanner", s.handleScanner)
	mux.HandleFunc("/limit", s.handleLimit)
	mux.HandleFunc("/auto-delete", s.handleAutoDelete)
	mux.HandleFunc("/operator", s.handleOperator)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/alerts/", s.handleAlert)
	mux.HandleFunc("/metadata", s.handleMetadataList)
	mux.HandleFunc("/metadata/", s.handleMetadata)
	mux.HandleFunc("/recordings/", s.handleRecordingRoute)
	mux.HandleFunc("/download", s.handleDownload)
	if s.preview != nil {
		mux.Handle("/preview", s.preview)
		mux.HandleFunc("/preview.jpg", s.handleSnapshot)
	}
	return corsMiddleware(s.loggingMiddleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	respondJSON(w, http.StatusOK, s.station.Status())
}

type scanRequest struct {
	Code string `json:"code"`
	Port string `json:"port"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req scanRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}
	if req.Port == "" {
		req.Port = "api"
	}
	s.station.Scan(req.Port, req.Code)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type recordRequest struct {
	OrderID string `json:"orderId"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req recordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.station.Toggle(r.Context(), strings.TrimSpace(req.OrderID)); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.station.Status())
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.station.StopRecording(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.station.Status())
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	respondJSON(w, http.StatusOK, s.station.Cameras())
}

type cameraRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cameraRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.station.SelectCamera(req.Index); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.station.Status().Camera)
}

type settingRequest struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func (s *Server) handleCameraSettings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req settingRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.station.UpdateCameraSetting(req.Name, req.Value); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.station.Status().Camera)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ports, err := s.station.Ports()
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ports)
}

type scannerRequest struct {
	Port string `json:"port"`
}

func (s *Server) handleScanner(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req scannerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Port == "" {
		http.Error(w, "port required", http.StatusBadRequest)
		return
	}
	if err := s.station.SelectScanner(req.Port); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.station.Status().Scanner)
}

type limitRequest struct {
	Seconds int `json:"seconds"`
}

func (s *Server) handleLimit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req limitRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.station.SetLimit(req.Seconds); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"seconds": req.Seconds})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAutoDelete(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req toggleRequest
	if !decode(w, r, &req) {
		return
	}
	s.station.SetAutoDelete(req.Enabled)
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleOperator(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var op recording.Operator
	if !decode(w, r, &op) {
		return
	}
	if strings.TrimSpace(op.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	s.station.SetOperator(op)
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	respondJSON(w, http.StatusOK, s.station.Alerts())
}

// handleAlert dismisses one alert: DELETE /alerts/{id}.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/alerts/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.station.DismissAlert(id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetadataList(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !s.haveMetadata(w) {
		return
	}
	all, err := s.metadata.List()
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, all)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if !s.haveMetadata(w) {
		return
	}
	order := strings.TrimPrefix(r.URL.Path, "/metadata/")
	if order == "" || strings.Contains(order, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("latest") != "" {
			sc, err := s.metadata.Latest(order)
			if err != nil {
				s.fail(w, err)
				return
			}
			respondJSON(w, http.StatusOK, sc)
			return
		}
		all, err := s.metadata.All(order)
		if err != nil {
			s.fail(w, err)
			return
		}
		if len(all) == 0 {
			s.fail(w, fmt.Errorf("%w: order %s", metadata.ErrNotFound, order))
			return
		}
		respondJSON(w, http.StatusOK, all)
	case http.MethodDelete:
		n, err := s.metadata.Delete(order)
		if err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) haveMetadata(w http.ResponseWriter) bool {
	if s.metadata == nil {
		http.Error(w, "metadata store unavailable", http.StatusNotFound)
		return false
	}
	return true
}

func (s *Server) handleRecordingRoute(w http.ResponseWriter, r *http.Request) {
	// /recordings/{name}/signed-url
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/recordings/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "signed-url" {
		http.NotFound(w, r)
		return
	}
	s.handleSignedURL(w, r, parts[0])
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.recordingPath(name); err != nil {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, s.signer.Link("/download", name, s.opts.SignedURLTTL))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	name, expires, signature := q.Get("file"), q.Get("expires"), q.Get("signature")
	if name == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if err := s.signer.Verify(name, expires, signature); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	path, err := s.recordingPath(name)
	if err != nil {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "recording unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "recording unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// recordingPath resolves a bare file name inside the recordings directory.
func (s *Server) recordingPath(name string) (string, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") || s.opts.RecordingsDir == "" {
		return "", os.ErrNotExist
	}
	path := filepath.Join(s.opts.RecordingsDir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", os.ErrNotExist
	}
	return path, nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	data, err := s.preview.Snapshot()
	if err != nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, station.ErrNotReady),
		errors.Is(err, router.ErrStopped),
		errors.Is(err, camera.ErrDeviceUnavailable),
		errors.Is(err, scanner.ErrConnect):
		status = http.StatusServiceUnavailable
	case errors.Is(err, station.ErrNoCamera),
		errors.Is(err, recording.ErrAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, station.ErrInvalidLimit),
		errors.Is(err, camera.ErrUnknownSetting),
		errors.Is(err, router.ErrNoOrder),
		errors.Is(err, metadata.ErrInvalidOrder):
		status = http.StatusBadRequest
	case errors.Is(err, metadata.ErrNotFound),
		errors.Is(err, station.ErrAlertNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response failed", "err", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}
