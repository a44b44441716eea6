// Package server is the HTTP gateway: board operations for operators,
// claim/heartbeat/complete for workers, and raw bundle fetches. Handlers
// stay thin; all state movement goes through the lifecycle controller.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/scc/internal/config"
	"github.com/danshapiro/scc/internal/lifecycle"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg     *config.Config
	ctrl    *lifecycle.Controller
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
	handler http.Handler
}

// New creates a Server over the lifecycle controller.
func New(cfg *config.Config, ctrl *lifecycle.Controller, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[scc-gateway] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /board", s.handleBoard)
	mux.HandleFunc("POST /board/tasks", s.handleUpsertTask)
	mux.HandleFunc("GET /board/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /board/tasks/{id}/split", s.handleSplitTask)
	mux.HandleFunc("POST /board/tasks/{id}/dispatch", s.handleDispatchTask)
	mux.HandleFunc("POST /board/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /board/tasks/{id}/priority", s.handleSetPriority)

	mux.HandleFunc("GET /pools", s.handlePools)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("POST /executor/workers/register", s.handleRegisterWorker)
	mux.HandleFunc("POST /executor/workers/{id}/heartbeat", s.handleWorkerHeartbeat)
	mux.HandleFunc("GET /executor/workers/{id}/claim", s.handleClaim)
	mux.HandleFunc("GET /executor/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /executor/jobs/{id}/complete", s.handleCompleteJob)

	mux.HandleFunc("GET /bundle/{packId}/{file}", s.handleBundleFile)
	mux.HandleFunc("GET /blobs/{digest}", s.handleBlob)

	s.handler = csrfProtect(mux)
	s.httpSrv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-poll claims outlive any fixed write deadline
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe starts the reaper and the HTTP server, blocking until
// shutdown.
func (s *Server) ListenAndServe(addr string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go s.ctrl.RunReaper(s.baseCtx)
	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", addr)
	s.httpSrv.Addr = addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
