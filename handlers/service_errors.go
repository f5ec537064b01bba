package handlers

import (
	"net/http"

	"github.com/vantyr/costgate/services"
	"github.com/vantyr/costgate/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)

	switch {
	case services.IsNotFoundError(err):
		if err := utils.WriteNotFound(w, err.Error()); err != nil {
			logger.Error("failed to write not found response", zap.Error(err))
		}

	case services.IsValidationError(err):
		if err := utils.WriteBadRequest(w, err.Error(), details); err != nil {
			logger.Error("failed to write bad request response", zap.Error(err))
		}

	case services.IsUnauthorizedError(err):
		if err := utils.WriteUnauthorized(w, err.Error()); err != nil {
			logger.Error("failed to write unauthorized response", zap.Error(err))
		}

	case services.IsForbiddenError(err):
		if err := utils.WriteForbidden(w, err.Error()); err != nil {
			logger.Error("failed to write forbidden response", zap.Error(err))
		}

	case services.IsConflictError(err):
		if err := utils.WriteConflict(w, err.Error(), details); err != nil {
			logger.Error("failed to write conflict response", zap.Error(err))
		}

	case services.IsConfigurationError(err):
		// Misconfiguration is an operator problem, not a caller problem
		logger.Error("configuration error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "Service misconfiguration"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}

	case services.IsFailSafeError(err):
		// Fail-safe outcomes are resolved into decisions before reaching
		// handlers. One escaping here means a wiring bug.
		logger.Error("fail-safe error escaped evaluation", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}

	case services.IsInternalError(err):
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
	}
}

// HandleValidationError writes a 400 with the field details produced by
// utils.ValidateStruct
func HandleValidationError(w http.ResponseWriter, details map[string]interface{}, logger *zap.Logger) {
	if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
