package models

import (
	"errors"
)

// Application-wide standard errors
var (
	// Common Resource/Storage Errors
	ErrNotFound     = errors.New("resource not found") // General not found, stands for "null" in stores
	ErrSlotNotFound = errors.New("save slot not found")
	ErrNodeNotFound = errors.New("story node not found")
	ErrNoSaves      = errors.New("no saved games")
	ErrPersistence  = errors.New("persistence failure")

	// Provider configuration errors (blocking)
	ErrStoryProviderNotConfigured = errors.New("story provider is not configured")
	ErrStoryProviderInvalid       = errors.New("story provider failed validation")
	ErrUnknownProvider            = errors.New("unknown provider")

	// Generation errors (blocking, retryable)
	ErrGenerationFailed = errors.New("generation failed")
	ErrStaleResponse    = errors.New("response belongs to a superseded session")

	// Degraded modality (non-fatal, surfaced as warning)
	ErrModalityUnavailable = errors.New("modality unavailable")

	// Session / request errors
	ErrGenerationInProgress = errors.New("generation is already in progress")
	ErrNoActiveGame         = errors.New("no active game")
	ErrInvalidInput         = errors.New("invalid input data")
	ErrConfirmationRequired = errors.New("explicit confirmation required")
	ErrUnsupportedBackup    = errors.New("unsupported backup version")
)

// ErrorClass группирует ошибки по тому, как на них должен реагировать UI.
type ErrorClass string

const (
	ClassBlockingConfig     ErrorClass = "blocking_config"
	ClassBlockingGeneration ErrorClass = "blocking_generation"
	ClassDegraded           ErrorClass = "degraded"
	ClassPersistence        ErrorClass = "persistence"
	ClassInvalidRequest     ErrorClass = "invalid_request"
	ClassInternal           ErrorClass = "internal"
)

// Classify maps an error chain onto the UI-facing taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoryProviderNotConfigured),
		errors.Is(err, ErrStoryProviderInvalid),
		errors.Is(err, ErrUnknownProvider):
		return ClassBlockingConfig
	case errors.Is(err, ErrGenerationFailed), errors.Is(err, ErrStaleResponse):
		return ClassBlockingGeneration
	case errors.Is(err, ErrModalityUnavailable):
		return ClassDegraded
	case errors.Is(err, ErrPersistence):
		return ClassPersistence
	case errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrSlotNotFound),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNoSaves),
		errors.Is(err, ErrGenerationInProgress),
		errors.Is(err, ErrNoActiveGame),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrConfirmationRequired),
		errors.Is(err, ErrUnsupportedBackup):
		return ClassInvalidRequest
	default:
		return ClassInternal
	}
}

// Warning - нефатальное предупреждение, которое сопровождает успешную операцию.
type Warning struct {
	Class    ErrorClass `json:"class"`
	Modality Modality   `json:"modality,omitempty"`
	Message  string     `json:"message"`
}

// NewWarning builds a Warning from an error, keeping its class.
func NewWarning(modality Modality, err error) Warning {
	class := Classify(err)
	if class == ClassInternal || class == ClassBlockingGeneration {
		// a failure that did not abort the operation is by definition degraded
		class = ClassDegraded
	}
	return Warning{Class: class, Modality: modality, Message: err.Error()}
}
