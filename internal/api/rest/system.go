package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/sampler"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultSampleWindow = time.Hour
	defaultSampleLimit  = 1000
	maxSampleLimit      = 100000
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

type channelView struct {
	session.EntityConfig
	Sampler *sampler.ChannelStatus `json:"sampler,omitempty"`
}

// GET /api/v1/channels
func (s *Server) listChannels(c *gin.Context) {
	g := s.lm.Graph()
	d := s.lm.Dispatcher()

	byPath := make(map[string]sampler.ChannelStatus)
	for _, st := range d.Status().Channels {
		byPath[st.Path] = st
	}

	channels := make([]channelView, 0, len(g.Channels()))
	for _, id := range g.Channels() {
		ec, err := d.Describe(g.Path(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to describe channel", err.Error()))
			return
		}
		view := channelView{EntityConfig: ec}
		if st, ok := byPath[ec.Path]; ok {
			view.Sampler = &st
		}
		channels = append(channels, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"channels": channels,
		"count":    len(channels),
	})
}

// GET /api/v1/samples?path=RPI5/Speed1&from=...&to=...&limit=100
//
// from and to are RFC 3339 timestamps. The window defaults to the last hour.
func (s *Server) querySamples(c *gin.Context) {
	history := s.lm.History()
	if history == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("SAMPLES_503", "Sample history not available", "database export is disabled"))
		return
	}

	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Missing path", nil))
		return
	}

	to := time.Now()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "Invalid to timestamp", err)
			return
		}
		to = t
	}
	from := to.Add(-defaultSampleWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "Invalid from timestamp", err)
			return
		}
		from = t
	}

	limit := defaultSampleLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid limit", v))
			return
		}
		limit = min(n, maxSampleLimit)
	}

	samples, err := history.QuerySamples(c.Request.Context(), path, from, to, limit)
	if err != nil {
		s.logger.Error("Sample query failed", zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodePersistence, "Sample query failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":    path,
		"from":    from,
		"to":      to,
		"samples": samples,
		"count":   len(samples),
	})
}
