package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-press/inkwell/internal/dispatch"
	"github.com/inkwell-press/inkwell/internal/server/ratelimit"
	"github.com/inkwell-press/inkwell/internal/store"
)

// Config holds the HTTP server settings.
type Config struct {
	Port int
}

// Server is the REST API surface over the dispatcher and stores.
type Server struct {
	httpServer   *http.Server
	store        dispatch.Store
	blobs        store.Blobs
	dispatcher   *dispatch.Dispatcher
	rateLimiter  *ratelimit.Limiter
	pollInterval time.Duration
}

// New creates a new server wired to the given stores and dispatcher.
func New(cfg Config, st dispatch.Store, blobs store.Blobs, d *dispatch.Dispatcher) *Server {
	s := &Server{
		store:        st,
		blobs:        blobs,
		dispatcher:   d,
		rateLimiter:  ratelimit.NewLimiter(),
		pollInterval: time.Second,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second, // Long timeout for SSE streams
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler builds the route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Manuscript endpoints
	mux.HandleFunc("POST /manuscripts", s.handleCreateManuscript)
	mux.HandleFunc("GET /manuscripts/{id}", s.handleGetManuscript)
	mux.HandleFunc("POST /manuscripts/{id}/reports", s.handleCreateReport)

	// Report endpoints
	mux.HandleFunc("GET /reports/{id}", s.handleGetReport)
	mux.HandleFunc("GET /reports/{id}/agents/{agent}", s.handleGetAgentResult)
	mux.HandleFunc("GET /reports/{id}/calls", s.handleListCalls)
	mux.HandleFunc("GET /reports/{id}/events", s.handleReportEvents)
	mux.HandleFunc("POST /reports/{id}/cancel", s.handleCancelReport)

	return s.withLogging(s.withCORS(s.withOwner(s.withRateLimit(mux))))
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start begins listening for requests and blocks until shutdown.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight pipeline runs drain before exiting.
	s.dispatcher.Wait()
	log.Println("Server stopped")
	return nil
}

type ctxKey int

const ownerKey ctxKey = iota

// withOwner resolves the caller from the X-Owner-ID header. The platform's
// API gateway authenticates upstream; this service only needs the identity.
func (s *Server) withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ownerID, err := uuid.Parse(r.Header.Get("X-Owner-ID"))
		if err != nil {
			s.errorFromErr(w, &ErrMissingOwner{})
			return
		}

		ctx := context.WithValue(r.Context(), ownerKey, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ownerFrom returns the owner set by withOwner.
func ownerFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ownerKey).(uuid.UUID)
	return id
}

// withRateLimit enforces the owner's per-minute call allowance.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := ownerFrom(r.Context())
		if ownerID == uuid.Nil {
			next.ServeHTTP(w, r)
			return
		}

		quota, err := s.store.GetQuota(r.Context(), ownerID)
		if err != nil {
			s.errorFromErr(w, err)
			return
		}

		allowed, info := s.rateLimiter.Allow(ownerID.String(), quota.MaxCallsPerMinute)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			if info.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(info.RetryAfter.Seconds())))
			}
			log.Printf("[rate-limit] owner %s exceeded %d/min", ownerID, info.Limit)
			s.errorFromErr(w, &ErrRateLimited{})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging logs requests
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// errorFromErr maps a typed error to its HTTP status and writes the envelope.
// Conflicts from duplicate admissions carry the winning report id so callers
// can follow the existing run.
func (s *Server) errorFromErr(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[server] internal error: %v", err)
		s.errorResponse(w, status, "internal error")
		return
	}

	var running *dispatch.ErrAlreadyRunning
	if errors.As(err, &running) {
		s.jsonResponse(w, status, map[string]string{
			"error":     err.Error(),
			"report_id": running.ReportID.String(),
		})
		return
	}

	s.errorResponse(w, status, err.Error())
}

func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}
