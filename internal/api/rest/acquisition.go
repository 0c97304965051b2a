package rest

import (
	"encoding/json"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/acquisition/status
func (s *Server) getAcquisitionStatus(c *gin.Context) {
	s.dispatch(c, protocol.Request{Command: protocol.CommandStatus})
}

// POST /api/v1/acquisition/start
func (s *Server) startAcquisition(c *gin.Context) {
	s.dispatch(c, protocol.Request{Command: protocol.CommandStart})
}

// POST /api/v1/acquisition/stop
func (s *Server) stopAcquisition(c *gin.Context) {
	s.dispatch(c, protocol.Request{Command: protocol.CommandStop})
}

// POST /api/v1/outputs
func (s *Server) writeOutput(c *gin.Context) {
	var req struct {
		Path  string   `json:"path" binding:"required"`
		Value *float64 `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	value, _ := json.Marshal(*req.Value)
	s.dispatch(c, protocol.Request{
		Command: protocol.CommandWriteOutput,
		Path:    req.Path,
		Value:   value,
	})
}
