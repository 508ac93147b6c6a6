// Package api serves the dispatcher's HTTP interface: the trigger, retry and
// resume entry points, the job status read model, and worker callbacks.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/callback"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/shard"
)

// Dispatcher is the subset of *dispatch.Dispatcher the API drives.
type Dispatcher interface {
	Trigger(ctx context.Context, req dispatch.TriggerRequest) (string, error)
	RetryOnBranch(ctx context.Context, req dispatch.RetryRequest) (string, error)
	Resume(ctx context.Context, req dispatch.ResumeRequest) (string, error)
	Cancel(ctx context.Context, jobID, reason string) error
}

// Deps are the components behind the routes.
type Deps struct {
	Dispatcher Dispatcher
	Ledger     *ledger.Ledger
	Registry   *shard.Registry
	Signer     *callback.Signer
	Log        *slog.Logger
}

// Options configure the listener and access control. An empty APIToken
// leaves the operator routes open.
type Options struct {
	Addr        string
	APIToken    string
	CORSOrigins []string
}

// Server is the dispatcher HTTP API.
type Server struct {
	dispatcher Dispatcher
	ledger     *ledger.Ledger
	registry   *shard.Registry
	signer     *callback.Signer
	opts       Options
	log        *slog.Logger
	router     *gin.Engine
}

// New builds the router.
func New(deps Deps, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	s := &Server{
		dispatcher: deps.Dispatcher,
		ledger:     deps.Ledger,
		registry:   deps.Registry,
		signer:     deps.Signer,
		opts:       opts,
		log:        deps.Log,
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig(opts.CORSOrigins)))
	}
	s.registerRoutes(router)
	s.router = router
	return s
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

// requireToken guards operator routes with the static API token.
func (s *Server) requireToken() gin.HandlerFunc {
	want := []byte(s.opts.APIToken)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := bearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API token"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func bearerToken(c *gin.Context) string {
	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}
