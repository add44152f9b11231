package handlers

import (
	"net/http"

	"github.com/upb/assistant-auth-gateway/services"
	"github.com/upb/assistant-auth-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)

	var writeErr error
	switch {
	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, err.Error(), details)

	case services.IsUnauthenticatedError(err):
		writeErr = utils.WriteUnauthorized(w, err.Error())

	case services.IsTokenExpiredError(err):
		writeErr = utils.WriteError(w, http.StatusUnauthorized, "authentication token expired",
			map[string]interface{}{"reason": "token_expired"})

	case services.IsTokenInvalidError(err):
		// The cause may describe key material; keep it out of the response
		writeErr = utils.WriteError(w, http.StatusUnauthorized, "invalid authentication token",
			map[string]interface{}{"reason": "token_invalid"})

	case services.IsForbiddenError(err):
		writeErr = utils.WriteForbidden(w, err.Error(), details)

	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, err.Error())

	case services.IsConflictError(err):
		writeErr = utils.WriteConflict(w, err.Error(), details)

	case services.IsStoreUnavailableError(err):
		logger.Error("backing store unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, "")

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleDecodeError answers a request whose body could not be decoded or validated
func HandleDecodeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var details map[string]interface{}
	message := err.Error()
	if utils.IsValidationError(err) {
		message = "Validation failed"
		details = make(map[string]interface{})
		for k, v := range utils.GetValidationFields(err) {
			details[k] = v
		}
	}
	if err := utils.WriteBadRequest(w, message, details); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
