package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// HealthCheck probes one dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// Detailer is implemented by checks that report extra state, such as
// breaker counters.
type Detailer interface {
	Details() any
}

// CheckFunc adapts a ping function to HealthCheck.
type CheckFunc struct {
	Component string
	Ping      func(ctx context.Context) error
	// Optional components degrade rather than fail the service.
	Optional bool
	Info     func() any
}

func (f CheckFunc) Name() string                    { return f.Component }
func (f CheckFunc) Check(ctx context.Context) error { return f.Ping(ctx) }

func (f CheckFunc) Details() any {
	if f.Info == nil {
		return nil
	}
	return f.Info()
}

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms"`
	Details   any             `json:"details,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.checkHealth(c.Request.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// handleReady fails when any required dependency is down.
func (s *Server) handleReady(c *gin.Context) {
	health := s.checkHealth(c.Request.Context())
	if health.Status == HealthStatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLive answers as long as the process is serving.
func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now().UTC(),
		Version:    s.cfg.Version,
		Commit:     s.cfg.Commit,
		Components: make(map[string]ComponentHealth, len(s.deps.Checks)),
	}

	var down, degraded int
	for _, check := range s.deps.Checks {
		ch := runCheck(ctx, check)
		if ch.Status == ComponentStatusDown {
			if optional(check) {
				ch.Status = ComponentStatusDegraded
			} else {
				down++
			}
		}
		if ch.Status == ComponentStatusDegraded {
			degraded++
		}
		health.Components[check.Name()] = ch
	}

	switch {
	case down > 0:
		health.Status = HealthStatusUnhealthy
	case degraded > 0:
		health.Status = HealthStatusDegraded
	default:
		health.Status = HealthStatusHealthy
	}
	return health
}

func runCheck(ctx context.Context, check HealthCheck) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := check.Check(ctx)
	ch := ComponentHealth{
		Status:    ComponentStatusUp,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if d, ok := check.(Detailer); ok {
		ch.Details = d.Details()
	}
	if err != nil {
		ch.Status = ComponentStatusDown
		ch.Message = err.Error()
	}
	return ch
}

func optional(check HealthCheck) bool {
	f, ok := check.(CheckFunc)
	return ok && f.Optional
}
