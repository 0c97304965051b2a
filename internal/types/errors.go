package types

// Error codes carried in ErrorBody.Code.
const (
	CodeModelDomain          = "MODEL_DOMAIN"
	CodeHardwareRead         = "HARDWARE_READ"
	CodeHardwareWrite        = "HARDWARE_WRITE"
	CodeConfigPathNotFound   = "CONFIG_PATH_NOT_FOUND"
	CodeConfigValidation     = "CONFIG_VALIDATION"
	CodeSingleFieldViolation = "SINGLE_FIELD_VIOLATION"
	CodeProtocolFraming      = "PROTOCOL_FRAMING"
	CodePersistence          = "PERSISTENCE"
	CodeUnknownCommand       = "UNKNOWN_COMMAND"
	CodeInternal             = "INTERNAL"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
