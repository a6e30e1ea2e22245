// Package api exposes the backend's debug surface over HTTP: device
// inventory, allocator counters and the effective configuration.
package api

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/tephra-ml/tephra/internal/backend"
	"github.com/tephra-ml/tephra/internal/device"
)

// Server serves read-only views of one backend.
type Server struct {
	backend *backend.Backend
}

// NewServer wraps a backend for serving.
func NewServer(b *backend.Backend) *Server {
	return &Server{backend: b}
}

// Register mounts the debug routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/pools", s.handlePools)
	e.GET("/v1/config", s.handleConfig)
}

// DeviceInfo is the wire shape of one device.
type DeviceInfo struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Cores      int    `json:"cores"`
	TotalMem   uint64 `json:"total_mem"`
}

// ContextInfo is the wire shape of /v1/config.
type ContextInfo struct {
	ContextID string         `json:"context_id"`
	Main      int            `json:"main_device"`
	SplitMode string         `json:"split_mode"`
	Ratios    []float32      `json:"tensor_ratios"`
	Scratch   int64          `json:"scratch_bytes"`
	Config    backend.Config `json:"config"`
}

func (s *Server) handleDevices(c *echo.Context) error {
	devs := s.backend.Context().Devices()
	out := make([]DeviceInfo, len(devs))
	for i, d := range devs {
		out[i] = DeviceInfo{
			ID:         d.ID,
			Name:       d.Name,
			Capability: d.Cap.String(),
			Cores:      d.Cores,
			TotalMem:   d.TotalMem,
		}
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) handlePools(c *echo.Context) error {
	ctx := s.backend.Context()
	out := make([]device.PoolStats, len(ctx.Devices()))
	for i := range out {
		out[i] = ctx.Pool(i).Stats()
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleConfig(c *echo.Context) error {
	ctx := s.backend.Context()
	return writeJSON(c, http.StatusOK, ContextInfo{
		ContextID: ctx.ID,
		Main:      ctx.MainIndex(),
		SplitMode: ctx.Split().String(),
		Ratios:    ctx.Ratios(),
		Scratch:   ctx.ScratchBudget(),
		Config:    s.backend.Config(),
	})
}

func writeJSON(c *echo.Context, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, data)
}
