package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	opRead      = "read"
	opIncrement = "increment"
	opReset     = "reset"
	opHealth    = "health"
	opReady     = "ready"

	keyOperation = "operation"
)

type valueResponse struct {
	Value     int64   `json:"value"`
	Operation string  `json:"operation"`
	Timestamp float64 `json:"timestamp"`
}

type healthResponse struct {
	Status         string  `json:"status"`
	StoreConnected bool    `json:"store_connected"`
	RedisConnected bool    `json:"redis_connected"`
	Store          string  `json:"store"`
	Redis          string  `json:"redis"`
	State          string  `json:"state,omitempty"`
	Error          string  `json:"error,omitempty"`
	Timestamp      float64 `json:"timestamp"`
}

type errorResponse struct {
	Error     string  `json:"error"`
	Code      int     `json:"code"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) read(c echo.Context) error {
	c.Set(keyOperation, opRead)
	v, err := s.svc.Read(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, valueResponse{Value: v, Operation: opRead, Timestamp: s.timestamp()})
}

func (s *Server) write(c echo.Context) error {
	c.Set(keyOperation, opIncrement)
	v, err := s.svc.Write(c.Request().Context())
	if err != nil {
		return err
	}
	s.logger.Debug("counter incremented", zap.Int64("value", v), zap.String("request_id", requestID(c)))
	return c.JSON(http.StatusOK, valueResponse{Value: v, Operation: opIncrement, Timestamp: s.timestamp()})
}

func (s *Server) reset(c echo.Context) error {
	c.Set(keyOperation, opReset)
	if err := s.svc.Reset(c.Request().Context()); err != nil {
		return err
	}
	s.logger.Info("counter reset", zap.String("request_id", requestID(c)))
	return c.JSON(http.StatusOK, valueResponse{Value: 0, Operation: opReset, Timestamp: s.timestamp()})
}

// health is the liveness probe; it follows store reachability without
// affecting the serving state.
func (s *Server) health(c echo.Context) error {
	c.Set(keyOperation, opHealth)
	err := s.svc.Ping(c.Request().Context())
	ok := err == nil
	if !ok {
		s.logger.Warn("health check failed", zap.String("request_id", requestID(c)), zap.Error(err))
	}

	return c.JSON(lo.Ternary(ok, http.StatusOK, http.StatusServiceUnavailable), healthResponse{
		Status:         lo.Ternary(ok, "healthy", "unhealthy"),
		StoreConnected: ok,
		RedisConnected: ok,
		Store:          lo.Ternary(ok, "connected", "disconnected"),
		Redis:          lo.Ternary(ok, "connected", "disconnected"),
		Error:          lo.Ternary(ok, "", "store unreachable"),
		Timestamp:      s.timestamp(),
	})
}

// ready is the readiness probe: traffic only once the startup connection
// succeeded and while the store answers.
func (s *Server) ready(c echo.Context) error {
	c.Set(keyOperation, opReady)
	state := s.State()
	if state != StateServing {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{
			Status:    "not_ready",
			Store:     "unknown",
			Redis:     "unknown",
			State:     state.String(),
			Error:     "service starting",
			Timestamp: s.timestamp(),
		})
	}

	ok := s.svc.Ping(c.Request().Context()) == nil
	return c.JSON(lo.Ternary(ok, http.StatusOK, http.StatusServiceUnavailable), healthResponse{
		Status:         lo.Ternary(ok, "ready", "not_ready"),
		StoreConnected: ok,
		RedisConnected: ok,
		Store:          lo.Ternary(ok, "connected", "disconnected"),
		Redis:          lo.Ternary(ok, "connected", "disconnected"),
		State:          state.String(),
		Error:          lo.Ternary(ok, "", "store unreachable"),
		Timestamp:      s.timestamp(),
	})
}
