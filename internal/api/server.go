// Package api serves the support-chat HTTP surface: conversation and
// handler endpoints, the live channel upgrade, metrics and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/realtime"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

// RouterOpts holds the dependencies of the HTTP handlers.
type RouterOpts struct {
	Service *chat.Service
	DB      *gorm.DB // used by /health

	// Realtime serves GET /ws when set.
	Realtime *realtime.Server

	// MediaDir is served under /media when set (disk storage backend).
	MediaDir string

	MaxUploadBytes int64 // defaults to chat.DefaultMaxUploadBytes
	Logger         zerolog.Logger
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	RouterOpts
	Port           int
	AllowedOrigins []string // defaults to all origins
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(opts RouterOpts) (*gin.Engine, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("api: service is required")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = chat.DefaultMaxUploadBytes
	}
	log := opts.Logger.With().Str("component", "api").Logger()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(log))
	router.Use(recordMetrics())

	h := &handlers{
		svc:       opts.Service,
		store:     opts.Service.Store(),
		db:        opts.DB,
		maxUpload: opts.MaxUploadBytes,
		log:       log,
	}
	registerRoutes(router, h)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.Realtime != nil {
		router.GET("/ws", gin.WrapH(opts.Realtime))
	}
	if opts.MediaDir != "" {
		router.Static("/media", opts.MediaDir)
	}
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// closes live connections and shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts.RouterOpts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	handler := cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	})(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log := opts.Logger.With().Str("component", "api").Logger()

	// Graceful shutdown on context cancellation. Upgraded connections are
	// hijacked, so Shutdown does not see them.
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		if opts.Realtime != nil {
			opts.Realtime.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Int("port", opts.Port).Msg("api listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	<-done
	return nil
}
