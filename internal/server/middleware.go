package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tckz/counter-api/internal/counter"
	"go.uber.org/zap"
)

var (
	errNotReady = errors.New("service starting")
	errBusy     = errors.New("too many requests in flight")
)

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func operation(c echo.Context) string {
	if v, ok := c.Get(keyOperation).(string); ok {
		return v
	}
	return ""
}

// requireAPIKey compares digests so neither content nor length of the key leaks
// through timing.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(HeaderAPIKey)
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "API key required")
		}
		got := sha256.Sum256([]byte(key))
		if subtle.ConstantTimeCompare(got[:], s.keyDigest[:]) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
		}
		return next(c)
	}
}

func (s *Server) requireServing(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.State() != StateServing {
			return errNotReady
		}
		return next(c)
	}
}

// withDeadline starts the request deadline. Everything after it, the wait for a
// worker slot included, shares the same RequestTimeout.
func (s *Server) withDeadline(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx, cancel := context.WithTimeout(req.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

// limitConcurrency bounds in-flight store operations when WORKERS is set.
func (s *Server) limitConcurrency(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.sem == nil {
			return next(c)
		}

		if err := s.sem.Acquire(c.Request().Context(), 1); err != nil {
			return errBusy
		}
		defer s.sem.Release(1)
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		res := c.Response()
		fields := []zap.Field{
			zap.String("request_id", requestID(c)),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", res.Status),
			zap.Duration("latency", time.Since(start)),
			zap.String("operation", operation(c)),
			zap.String("remote_ip", c.RealIP()),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}

		switch {
		case res.Status >= http.StatusInternalServerError:
			s.logger.Error("request", fields...)
		case res.Status >= http.StatusBadRequest:
			s.logger.Warn("request", fields...)
		default:
			s.logger.Info("request", fields...)
		}
		return nil
	}
}

// handleError is the single place where errors turn into status codes.
// Bodies only carry generic messages.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, msg := http.StatusInternalServerError, "Internal server error"
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	case errors.Is(err, counter.ErrTimeout):
		code, msg = http.StatusServiceUnavailable, "Database timeout"
	case errors.Is(err, counter.ErrUnavailable):
		code, msg = http.StatusServiceUnavailable, "Database connection error"
	case errors.Is(err, errNotReady):
		code, msg = http.StatusServiceUnavailable, "Service starting"
	case errors.Is(err, errBusy):
		code, msg = http.StatusServiceUnavailable, "Server busy"
	}

	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(c)),
			zap.String("operation", operation(c)),
			zap.Int("status", code),
			zap.Error(err))
	}

	if err := c.JSON(code, errorResponse{Error: msg, Code: code, Timestamp: s.timestamp()}); err != nil {
		s.logger.Error("c.JSON", zap.Error(err))
	}
}
