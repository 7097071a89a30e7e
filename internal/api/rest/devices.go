package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/capability"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

type InvokeRequest struct {
	Args map[string]any `json:"args"`
}

type InvokeResponse struct {
	DeviceID   string `json:"device_id"`
	Capability string `json:"capability"`
	Value      any    `json:"value"`
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.lm.DeviceManager().Devices()

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	info, err := s.lm.DeviceManager().Device(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GET /api/v1/devices/:id/capabilities
func (s *Server) listCapabilities(c *gin.Context) {
	seq, err := s.lm.DeviceManager().ListCapabilities(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	caps := make([]capability.Capability, 0)
	for item := range seq {
		caps = append(caps, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id":    c.Param("id"),
		"capabilities": caps,
	})
}

// POST /api/v1/devices/:id/capabilities/:capability
func (s *Server) invokeCapability(c *gin.Context) {
	deviceID := c.Param("id")
	name := c.Param("capability")

	var req InvokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid request body", err.Error()))
			return
		}
	}

	res, err := s.lm.DeviceManager().Invoke(c.Request.Context(), deviceID, name, req.Args)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if p, ok := auth.GetPrincipal(c); ok {
		s.logger.Debug("Capability invoked",
			zap.String("device", deviceID),
			zap.String("capability", name),
			zap.String("principal", p.Name))
	}

	c.JSON(http.StatusOK, InvokeResponse{
		DeviceID:   deviceID,
		Capability: name,
		Value:      res.Value,
	})
}

// POST /api/v1/devices/:id/reconnect
func (s *Server) reconnectDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if err := s.lm.DeviceManager().Reconnect(c.Request.Context(), deviceID); err != nil {
		abortWithError(c, err)
		return
	}

	info, err := s.lm.DeviceManager().Device(deviceID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GET /api/v1/devices/:id/events?limit=N
func (s *Server) deviceEvents(c *gin.Context) {
	deviceID := c.Param("id")
	if _, err := s.lm.DeviceManager().Device(deviceID); err != nil {
		abortWithError(c, err)
		return
	}

	if s.journalPath == "" {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("JOURNAL_404", "Event journal is not configured", nil))
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid limit", fmt.Sprintf("%q", raw)))
			return
		}
		limit = n
	}

	evs, err := events.ReadJournal(s.journalPath, deviceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOURNAL_500", "Failed to read event journal", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"events":    evs,
		"count":     len(evs),
	})
}
