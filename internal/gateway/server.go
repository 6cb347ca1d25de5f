// Package gateway is the HTTP frontend: it turns each inbound HTTP
// request into a pair of ASGI-style channel-layer messages (an
// http.request envelope, optionally followed by body chunks) and turns
// the reply channel's messages back into an HTTP response.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/asgibridge/asgibridge/internal/channels"
	"github.com/asgibridge/asgibridge/internal/config"
	"github.com/asgibridge/asgibridge/internal/metrics"
	"github.com/asgibridge/asgibridge/internal/replypump"
)

// Server holds the HTTP router and every dependency the bridge handler
// needs: the channel layer pool (for sending), the reply pump (for
// awaiting responses), and a semaphore gating how many requests may be
// mid-send at once.
type Server struct {
	router chi.Router
	cfg    config.ServerConfig

	pool    *channels.Pool
	pump    *replypump.Pump
	workers *semaphore.Weighted
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// New builds a Server, wires its routes, and returns it ready to use as
// an http.Handler.
func New(cfg config.ServerConfig, pool *channels.Pool, pump *replypump.Pump, m *metrics.Metrics, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:     cfg,
		pool:    pool,
		pump:    pump,
		workers: semaphore.NewWeighted(cfg.WorkerPoolSize),
		metrics: m,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	// Every other method and path is a candidate ASGI request — the
	// bridge doesn't know the application's own routes, so it forwards
	// everything it isn't itself handling.
	r.Handle("/*", http.HandlerFunc(s.handleBridge))

	s.router = r
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// logRequests is a thin middleware.Logger equivalent built on logrus
// instead of the stdlib logger, since every other component in this
// gateway logs structured fields through the same *logrus.Logger.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start),
		}).Info("request")
	})
}

func (s *Server) observeStage(stage string, start time.Time) {
	if s.metrics != nil {
		s.metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.pump.Err(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
