// Package bridge exposes a phone.Service to a host runtime over HTTP/JSON.
// Events stream to the host as server-sent events.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/watchbridge/internal/auth"
	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/phone"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Options struct {
	// Node labels request metrics and logs.
	Node string
	// Token, when set, is required as a bearer token on every /v1 route.
	Token       string
	CORSOrigins []string
	// EventBuffer bounds events queued per SSE client before drops.
	EventBuffer int
	Logger      zerolog.Logger
}

type Server struct {
	svc     *phone.Service
	opts    Options
	auth    auth.Validator
	logger  zerolog.Logger
	router  *gin.Engine
	started time.Time
}

func New(svc *phone.Service, opts Options) *Server {
	observability.RegisterMetrics()
	if opts.Node == "" {
		opts.Node = svc.Config().DeviceID
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(opts.Logger))
	r.Use(observability.RequestMetricsMiddleware(opts.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(opts.CORSOrigins),
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.HeaderRequestID},
		ExposeHeaders: []string{observability.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		svc:     svc,
		opts:    opts,
		auth:    auth.Shared(opts.Token),
		logger:  opts.Logger,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx ends, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("bridge listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requireToken guards the /v1 routes with the configured bearer token.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := auth.ParseBearer(c.GetHeader("Authorization"))
		if err := s.auth.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
