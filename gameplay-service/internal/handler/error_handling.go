package handler

import (
	"errors"
	"net/http"

	"novel-engine/shared/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error codes returned in models.ErrorResponse.Code.
const (
	ErrCodeBadRequest           = "bad_request"
	ErrCodeNotFound             = "not_found"
	ErrCodeNodeNotFound         = "node_not_found"
	ErrCodeSlotNotFound         = "slot_not_found"
	ErrCodeNoSaves              = "no_saves"
	ErrCodeNoActiveGame         = "no_active_game"
	ErrCodeGenerationInProgress = "generation_in_progress"
	ErrCodeConfirmationRequired = "confirmation_required"
	ErrCodeUnsupportedBackup    = "unsupported_backup"
	ErrCodeProviderConfig       = "provider_not_configured"
	ErrCodeProviderInvalid      = "provider_invalid"
	ErrCodeGenerationFailed     = "generation_failed"
	ErrCodeStaleResponse        = "stale_response"
	ErrCodeModalityUnavailable  = "modality_unavailable"
	ErrCodePersistence          = "persistence_failure"
	ErrCodeInternal             = "internal_error"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first sentinel found in the chain wins.
var errorMappings = []errorMapping{
	{models.ErrInvalidInput, http.StatusBadRequest, ErrCodeBadRequest},
	{models.ErrNodeNotFound, http.StatusNotFound, ErrCodeNodeNotFound},
	{models.ErrSlotNotFound, http.StatusNotFound, ErrCodeSlotNotFound},
	{models.ErrNoSaves, http.StatusNotFound, ErrCodeNoSaves},
	{models.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{models.ErrNoActiveGame, http.StatusConflict, ErrCodeNoActiveGame},
	{models.ErrGenerationInProgress, http.StatusConflict, ErrCodeGenerationInProgress},
	{models.ErrConfirmationRequired, http.StatusPreconditionRequired, ErrCodeConfirmationRequired},
	{models.ErrUnsupportedBackup, http.StatusUnprocessableEntity, ErrCodeUnsupportedBackup},
	{models.ErrStoryProviderNotConfigured, http.StatusFailedDependency, ErrCodeProviderConfig},
	{models.ErrUnknownProvider, http.StatusFailedDependency, ErrCodeProviderConfig},
	{models.ErrStoryProviderInvalid, http.StatusFailedDependency, ErrCodeProviderInvalid},
	{models.ErrStaleResponse, http.StatusConflict, ErrCodeStaleResponse},
	{models.ErrGenerationFailed, http.StatusBadGateway, ErrCodeGenerationFailed},
	{models.ErrModalityUnavailable, http.StatusServiceUnavailable, ErrCodeModalityUnavailable},
	{models.ErrPersistence, http.StatusInternalServerError, ErrCodePersistence},
}

// handleServiceError переводит ошибку сервиса в JSON-ответ {code, class, message}.
func handleServiceError(c *gin.Context, err error, logger *zap.Logger) {
	class := models.Classify(err)
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(m.status, models.ErrorResponse{Code: m.code, Class: class, Message: err.Error()})
			return
		}
	}

	logger.Error("Unhandled internal error in handleServiceError", zap.String("path", c.FullPath()), zap.Error(err))
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{
		Code:    ErrCodeInternal,
		Class:   models.ClassInternal,
		Message: "An unexpected internal error occurred",
	})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{
		Code:    ErrCodeBadRequest,
		Class:   models.ClassInvalidRequest,
		Message: message,
	})
}
