// Package api exposes the WhatsApp session registry over HTTP for the rest
// of the shop backend.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/garage/internal/whatsapp"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Registry *whatsapp.Registry
	DB       *gorm.DB // optional; enables the outbound message log
	Port     int
	Logger   *slog.Logger
	Out      io.Writer

	// EventPoll is how often /events samples the registry.
	EventPoll time.Duration
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Registry == nil {
		return fmt.Errorf("api: registry is required")
	}
	if opts.Port <= 0 {
		opts.Port = 3001
	}

	router := NewRouter(opts)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Messaging API running at http://localhost:%d/api/whatsapp\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(opts StartOpts) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(logger))

	poll := opts.EventPoll
	if poll <= 0 {
		poll = defaultEventPoll
	}
	h := &handlers{
		reg:       opts.Registry,
		outbox:    newOutbox(opts.DB, logger),
		eventPoll: poll,
		log:       logger,
	}
	registerRoutes(router, h)
	return router
}
