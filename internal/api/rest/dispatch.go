package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/gin-gonic/gin"
)

// dispatch runs req through the same dispatcher the sessions use, so REST
// clients get identical semantics and error codes.
func (s *Server) dispatch(c *gin.Context, req protocol.Request) {
	req.ID = c.GetString("request_id")

	resp := s.lm.Dispatcher().Handle(c.Request.Context(), req)
	if !resp.OK {
		c.JSON(statusFor(resp.Error.Code), types.ErrorResponse{Error: *resp.Error})
		return
	}
	c.JSON(http.StatusOK, resp.Result)
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case types.CodeConfigPathNotFound:
		return http.StatusNotFound
	case types.CodeConfigValidation, types.CodeSingleFieldViolation,
		types.CodeProtocolFraming, types.CodeUnknownCommand:
		return http.StatusBadRequest
	case types.CodeModelDomain:
		return http.StatusUnprocessableEntity
	case types.CodeHardwareRead, types.CodeHardwareWrite:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", message, err.Error()))
}
