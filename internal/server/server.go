// Package server exposes the counter over HTTP.
package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tckz/counter-api/internal/config"
	"github.com/tckz/counter-api/internal/counter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const HeaderAPIKey = "X-API-Key"

type State int32

const (
	StateStarting State = iota
	StateServing
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Server struct {
	cfg       config.Config
	svc       *counter.Service
	logger    *zap.Logger
	echo      *echo.Echo
	keyDigest [sha256.Size]byte
	sem       *semaphore.Weighted
	state     atomic.Int32
	now       func() time.Time
}

func New(cfg config.Config, svc *counter.Service, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		logger:    logger,
		echo:      echo.New(),
		keyDigest: sha256.Sum256([]byte(cfg.APIKey)),
		now:       time.Now,
	}
	if cfg.Workers > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.Workers))
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(s.accessLog)
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisablePrintStack: true,
	}))

	var probe []echo.MiddlewareFunc
	if cfg.HealthRequireAuth {
		probe = append(probe, s.requireAPIKey)
	}
	e.GET("/health", s.health, probe...)
	e.GET("/ready", s.ready, probe...)

	protected := []echo.MiddlewareFunc{s.requireAPIKey, s.requireServing, s.withDeadline, s.limitConcurrency}
	e.GET("/read", s.read, protected...)
	e.POST("/write", s.write, protected...)
	e.POST("/reset", s.reset, protected...)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// MarkServing is called once the store connection has been established.
func (s *Server) MarkServing() {
	if s.state.Swap(int32(StateServing)) != int32(StateServing) {
		s.logger.Info("state changed", zap.Stringer("state", StateServing))
	}
}

// Run listens on the configured port until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("net.Listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve takes ownership of ln and shuts down gracefully when ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("srv.Serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("srv.Shutdown: %w", err)
		}
		return nil
	})
	return eg.Wait()
}

func (s *Server) timestamp() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}
