// Package api serves the CRM webhook and the operator endpoints.
//
// Inbound webhooks are acknowledged immediately and processed in the
// background; the pipeline serializes work per thread.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/flow"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultProcessTimeout bounds one background pipeline run.
	DefaultProcessTimeout = 2 * time.Minute
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Pipeline processes one inbound event.
type Pipeline interface {
	HandleInbound(ctx context.Context, ev models.InboundEvent) (flow.Outcome, error)
}

// Threads resolves and reads conversation threads.
type Threads interface {
	Resolve(ev models.InboundEvent) (string, error)
	Get(threadID string) (*models.ConversationState, error)
	UnresolvedCount() int64
}

// Records is the persistence the endpoints read directly.
type Records interface {
	store.DedupRepo
	store.DeliveryRepo
}

// Opts holds server configuration.
type Opts struct {
	Addr            string
	ProcessTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithProcessTimeout bounds each background pipeline run.
func WithProcessTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProcessTimeout = d }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server is the HTTP front end of the lead router.
type Server struct {
	pipeline Pipeline
	threads  Threads
	records  Records
	engine   *gin.Engine

	addr            string
	processTimeout  time.Duration
	shutdownTimeout time.Duration

	inFlight  sync.WaitGroup
	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewServer builds a Server and registers its routes.
func NewServer(p Pipeline, threads Threads, records Records, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ProcessTimeout: DefaultProcessTimeout, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		pipeline:        p,
		threads:         threads,
		records:         records,
		engine:          engine,
		addr:            cfg.Addr,
		processTimeout:  cfg.ProcessTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhooks/ghl", s.webhookHandler)
	s.engine.GET("/threads/:id", s.threadHandler)
	s.engine.GET("/threads/:id/deliveries", s.deliveriesHandler)
	s.engine.GET("/healthz", s.healthHandler)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully and waits
// for in-flight turns to finish.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "inFlight", s.active.Load())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: HTTP shutdown failed", "error", err)
	}
	<-errCh

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Server.Run: in-flight turns drained")
	case <-shutdownCtx.Done():
		slog.Warn("Server.Run: shutdown timed out with turns in flight", "inFlight", s.active.Load())
	}
	return nil
}

// Wait blocks until all background turns have finished.
func (s *Server) Wait() {
	s.inFlight.Wait()
}

// process runs the pipeline for ev in the background.
func (s *Server) process(ev models.InboundEvent) {
	s.inFlight.Add(1)
	s.active.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer s.active.Add(-1)

		ctx, cancel := context.WithTimeout(context.Background(), s.processTimeout)
		defer cancel()
		out, err := s.pipeline.HandleInbound(ctx, ev)
		if err != nil {
			s.failed.Add(1)
			slog.Error("Server.process: pipeline failed", "contactID", ev.ContactID,
				"conversationID", ev.ConversationID, "messageID", ev.MessageID, "error", err)
			return
		}
		s.processed.Add(1)
		slog.Info("Server.process: turn complete", "threadID", out.ThreadID, "status", out.Status,
			"persona", out.Persona, "score", out.Score, "delivery", out.Delivery.Status)
	}()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("Server.request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}
