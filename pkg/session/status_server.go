package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statusReadHeaderTimeout = 5 * time.Second
	statusWriteTimeout      = 30 * time.Second
	statusIdleTimeout       = 60 * time.Second
	statusShutdownTimeout   = 5 * time.Second

	defaultStatusRateLimit = 120
)

// StatusServerOptions configures the embedded status HTTP server.
type StatusServerOptions struct {
	// Addr is the listen address, e.g. ":8089".
	Addr string

	// Registry supplies session snapshots for /status.
	Registry *SessionRegistry

	// Artifacts backs the /recordings endpoints. Optional; the endpoints
	// return 404 when nil.
	Artifacts ArtifactStore

	// Exporter enables POST /recordings/{id}/share. Optional.
	Exporter ArtifactExporter

	// Prober contributes backend reachability to /status. Optional.
	Prober *BackendProber

	// RateLimit is the per-IP request budget per minute. Defaults to 120.
	RateLimit int

	Logger Logger
}

// StatusServer exposes operational state over HTTP: health, session status,
// prometheus metrics and recording management. It is read-mostly; the only
// mutations are recording deletion and share-link creation.
type StatusServer struct {
	opts   StatusServerOptions
	logger Logger
	srv    *http.Server
}

// NewStatusServer builds the server and its routes. Call Start to listen.
func NewStatusServer(opts StatusServerOptions) (*StatusServer, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: status server requires a listen address", ErrInvalidConfig)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: status server requires a session registry", ErrInvalidConfig)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultStatusRateLimit
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	s := &StatusServer{opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.Limit(
		opts.RateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/recordings", s.handleListRecordings)
	r.Get("/recordings/{id}", s.handleDownloadRecording)
	r.Delete("/recordings/{id}", s.handleDeleteRecording)
	r.Post("/recordings/{id}/share", s.handleShareRecording)

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: statusReadHeaderTimeout,
		WriteTimeout:      statusWriteTimeout,
		IdleTimeout:       statusIdleTimeout,
	}

	return s, nil
}

// Start begins serving in a background goroutine. Listen errors other than
// graceful shutdown are logged.
func (s *StatusServer) Start() {
	go func() {
		s.logger.Info("status server listening", "addr", s.opts.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Handler returns the configured route handler. Useful for serving the
// status routes from an existing server instead of a dedicated listener.
func (s *StatusServer) Handler() http.Handler { return s.srv.Handler }

// Shutdown gracefully drains in-flight requests.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, statusShutdownTimeout)
		defer cancel()
	}
	return s.srv.Shutdown(ctx)
}

// statusPayload is the /status response body.
type statusPayload struct {
	Sessions       []SessionRecord `json:"sessions"`
	BackendHealthy *bool           `json:"backend_healthy,omitempty"`
	Recordings     int             `json:"recordings"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{
		Sessions:    s.opts.Registry.Records(),
		GeneratedAt: time.Now().UTC(),
	}
	if s.opts.Prober != nil {
		healthy := s.opts.Prober.Healthy()
		payload.BackendHealthy = &healthy
	}
	if s.opts.Artifacts != nil {
		if list, err := s.opts.Artifacts.List(r.Context()); err == nil {
			payload.Recordings = len(list)
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *StatusServer) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	if s.opts.Artifacts == nil {
		s.writeError(w, http.StatusNotFound, "recording storage not configured")
		return
	}
	list, err := s.opts.Artifacts.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list recordings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *StatusServer) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	if s.opts.Artifacts == nil {
		s.writeError(w, http.StatusNotFound, "recording storage not configured")
		return
	}
	id := chi.URLParam(r, "id")
	artifact, err := s.opts.Artifacts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			s.writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		s.logger.Error("failed to load recording", "error", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}

	w.Header().Set("Content-Type", artifact.MimeType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(artifact.Blob)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(artifact.Blob); err != nil {
		s.logger.Warn("recording download aborted", "error", err, "id", id)
	}
}

func (s *StatusServer) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if s.opts.Artifacts == nil {
		s.writeError(w, http.StatusNotFound, "recording storage not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.opts.Artifacts.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			s.writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		s.logger.Error("failed to delete recording", "error", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to delete recording")
		return
	}
	s.logger.Info("recording deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *StatusServer) handleShareRecording(w http.ResponseWriter, r *http.Request) {
	if s.opts.Artifacts == nil {
		s.writeError(w, http.StatusNotFound, "recording storage not configured")
		return
	}
	if s.opts.Exporter == nil {
		s.writeError(w, http.StatusNotImplemented, "sharing not configured")
		return
	}
	id := chi.URLParam(r, "id")
	artifact, err := s.opts.Artifacts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			s.writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		s.logger.Error("failed to load recording", "error", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}

	url, err := s.opts.Exporter.Share(r.Context(), artifact, DefaultShareExpiry)
	if err != nil {
		s.logger.Error("failed to share recording", "error", err, "id", id)
		s.writeError(w, http.StatusBadGateway, "failed to create share link")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"id":         id,
		"url":        url,
		"expires_in": DefaultShareExpiry.String(),
	})
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	buf, err := graphJSON.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(buf)
}

func (s *StatusServer) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
