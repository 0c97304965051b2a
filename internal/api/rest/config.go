package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/config?path=RPI5/Speed1
//
// Without a path every entity is returned.
func (s *Server) getConfig(c *gin.Context) {
	s.dispatch(c, protocol.Request{
		Command: protocol.CommandGetConfig,
		Path:    c.Query("path"),
	})
}

// maxConfigBody bounds PUT /api/v1/config bodies. A model text is the
// largest legitimate field.
const maxConfigBody = 64 << 10

// PUT /api/v1/config
//
// The body names exactly one field, either as key/value or as a one-entry
// fields object. Any other top-level key counts as a second field and
// rejects the whole request.
func (s *Server) setConfig(c *gin.Context) {
	var req struct {
		Path   string                     `json:"path"`
		Key    string                     `json:"key"`
		Value  json.RawMessage            `json:"value"`
		Fields map[string]json.RawMessage `json:"fields"`
	}

	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if field, ok := unknownField(err); ok {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeSingleFieldViolation,
				"Only one field may be set per request", field))
			return
		}
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.Path == "" {
		badRequest(c, "Invalid request body", errors.New("path is required"))
		return
	}

	s.dispatch(c, protocol.Request{
		Command: protocol.CommandSetConfig,
		Path:    req.Path,
		Key:     req.Key,
		Value:   req.Value,
		Fields:  req.Fields,
	})
}

// unknownField extracts the key name from encoding/json's unknown field
// error, which has no typed form.
func unknownField(err error) (string, bool) {
	const prefix = "json: unknown field "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(msg, prefix), `"`), true
}

// POST /api/v1/config/save
func (s *Server) saveConfig(c *gin.Context) {
	s.dispatch(c, protocol.Request{Command: protocol.CommandSave})
}

// POST /api/v1/config/load/user
func (s *Server) loadUserConfig(c *gin.Context) {
	s.dispatch(c, protocol.Request{Command: protocol.CommandLoadUser})
}

// POST /api/v1/config/load/default
func (s *Server) loadDefaultConfig(c *gin.Context) {
	s.dispatch(c, protocol.Request{Command: protocol.CommandLoadDefault})
}
