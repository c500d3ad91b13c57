// Package api serves read-only diagnostics for a process-resident launcher:
// device enumeration, cache introspection, descriptor inspection, and
// Prometheus metrics. Nothing here is part of the launch contract.
package api

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/magma/internal/logger"
	"github.com/samcharles93/magma/pkg/descriptor"
)

// Opaque descriptors posted for inspection are bounded; anything larger is
// not a plausible descriptor.
const maxInspectBytes = 16 << 20

// Stats is the slice of the launcher the server reads.
type Stats interface {
	KernelCacheSize() int
	CachedCalls() []CallEntry
}

// CallEntry mirrors launch.CallInfo; declared here so the server depends
// only on what it renders.
type CallEntry struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Name       string `json:"name,omitempty"`
	NumBuffers int    `json:"num_buffers"`
}

// DeviceInfo describes one visible GPU.
type DeviceInfo struct {
	Ordinal           int    `json:"ordinal"`
	Name              string `json:"name"`
	ComputeCapability int    `json:"compute_capability"`
}

// DeviceLister enumerates visible devices. Swapped for a fake in tests.
type DeviceLister func() ([]DeviceInfo, error)

// Server exposes launcher diagnostics over HTTP.
type Server struct {
	stats   Stats
	devices DeviceLister
	log     logger.Logger
}

func NewServer(stats Stats, devices DeviceLister, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{stats: stats, devices: devices, log: log}
}

// Register mounts the diagnostics routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/kernels", s.handleKernels)
	e.GET("/v1/calls", s.handleCalls)
	e.POST("/v1/inspect", s.handleInspect)
	metrics := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) handleDevices(c *echo.Context) error {
	devices, err := s.devices()
	if err != nil {
		s.log.Error("device enumeration failed", "error", err)
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return writeJSON(c, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleKernels(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{"count": s.stats.KernelCacheSize()})
}

func (s *Server) handleCalls(c *echo.Context) error {
	calls := s.stats.CachedCalls()
	return writeJSON(c, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}

// handleInspect decodes an opaque descriptor posted as the request body and
// returns its parsed form. The launcher caches are not touched.
func (s *Server) handleInspect(c *echo.Context) error {
	opaque, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInspectBytes+1))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "read request body: "+err.Error())
	}
	if len(opaque) == 0 {
		return writeError(c, http.StatusBadRequest, "empty request body")
	}
	if len(opaque) > maxInspectBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "descriptor too large")
	}

	d, serialized, err := descriptor.Decode(opaque)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	return writeJSON(c, http.StatusOK, map[string]any{
		"descriptor":        d,
		"serialized_length": len(serialized),
	})
}

func writeJSON(c *echo.Context, status int, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeError(c *echo.Context, status int, msg string) error {
	return writeJSON(c, status, map[string]any{"error": msg})
}
