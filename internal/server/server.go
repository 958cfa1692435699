// Package server exposes the step service over HTTP, WebSocket and SSE.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stepbus/stepbus/internal/dispatcher"
	"github.com/stepbus/stepbus/internal/hub"
	"github.com/stepbus/stepbus/internal/logging"
	"github.com/stepbus/stepbus/internal/monitor"
	"github.com/stepbus/stepbus/internal/reconstruct"
	"github.com/stepbus/stepbus/internal/worker"
	"github.com/stepbus/stepbus/pkg/core"
)

// maxBodyBytes bounds request bodies and WebSocket messages.
const maxBodyBytes = 1 << 20

// defaultFrameLimit applies to GET /can without a limit.
const defaultFrameLimit = 100

// StepService is the read side of the reconstruction service.
type StepService interface {
	Step(ctx context.Context, key uint64) (core.ReconstructedStep, error)
	List(ctx context.Context) ([]core.ReconstructedStep, error)
	Latest(ctx context.Context) (core.ReconstructedStep, error)
	Events(ctx context.Context) ([]core.Event, error)
	Frames(ctx context.Context, limit int) ([]core.Frame, error)
	Stats() reconstruct.Stats
}

// Dispatcher routes write commands to the worker handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, e dispatcher.Event) (any, error)
}

// Hub is the broadcast side the streaming endpoints subscribe to.
type Hub interface {
	Subscribe() *hub.Subscription
	Subscribers() int
	Stats() (published, dropped uint64)
}

// StatusSource reports the monitor snapshot for /status.
type StatusSource interface {
	Snapshot(ctx context.Context) monitor.Status
}

// Dependencies holds all dependencies for the server
type Dependencies struct {
	Service    StepService
	Dispatcher Dispatcher
	Hub        Hub
	Status     StatusSource
	// Registry collects the server metrics; a fresh registry is used when nil.
	Registry   *prometheus.Registry
	LogManager *logging.SlogManager
}

// Server wires the routes onto a chi router.
type Server struct {
	deps     Dependencies
	router   chi.Router
	upgrader websocket.Upgrader
	metrics  *metrics
	logger   *slog.Logger
}

// New creates the server and registers its routes.
func New(deps Dependencies) *Server {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		deps:   deps,
		logger: deps.LogManager.Logger().With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metrics: newMetrics(deps.Registry, deps.Service, deps.Hub),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logContext)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.instrument)

	r.Route("/steps", func(r chi.Router) {
		r.Get("/", s.handleListSteps)
		r.Post("/", s.handleCreateStep)
		r.Get("/latest", s.handleLatestStep)
		r.Get("/{key}", s.handleGetStep)
	})
	r.Get("/can", s.handleListFrames)
	r.Get("/events", s.handleListEvents)
	r.Post("/events", s.handleCreateEvent)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/stream", s.handleStream)

	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))

	s.router = r
}

// logContext tags records logged with the request context with its ID.
func logContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("HTTP server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.deps.Service.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if steps == nil {
		steps = []core.ReconstructedStep{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// handleCreateStep ingests one step. ?async=true queues it and answers 202
// without an order key.
func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, BadRequest(err.Error()))
		return
	}

	cmd := worker.CmdStore
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		cmd = worker.CmdIngest
	}

	result, err := s.deps.Dispatcher.Dispatch(r.Context(), dispatcher.Event{
		Command: cmd,
		Payload: body,
		Meta:    map[string]string{worker.MetaEndian: r.URL.Query().Get("endian")},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if async {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleLatestStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.deps.Service.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseUint(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		s.writeError(w, r, BadRequest("order key must be an unsigned integer"))
		return
	}
	step, err := s.deps.Service.Step(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	limit := defaultFrameLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, BadRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	frames, err := s.deps.Service.Frames(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if frames == nil {
		frames = []core.Frame{}
	}
	writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Service.Events(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []core.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, BadRequest(err.Error()))
		return
	}
	result, err := s.deps.Dispatcher.Dispatch(r.Context(), dispatcher.Event{Command: worker.CmdEvent, Payload: body})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot(r.Context()))
}
