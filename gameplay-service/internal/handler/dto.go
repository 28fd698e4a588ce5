package handler

import "novel-engine/shared/models"

// StartGameRequest - тело запроса POST /game/start.
type StartGameRequest struct {
	Theme         string `json:"theme" binding:"required"`
	CustomContext string `json:"customContext"`
}

// ActionRequest - тело запроса POST /game/action.
type ActionRequest struct {
	Text string `json:"text" binding:"required"`
}

// NavigateRequest - тело запроса POST /game/navigate.
type NavigateRequest struct {
	NodeID string `json:"nodeId" binding:"required"`
}

// SaveAsRequest - тело запроса POST /slots.
type SaveAsRequest struct {
	Name string `json:"name"`
}

// ImportResponse - результат импорта резервной копии.
type ImportResponse struct {
	Imported int `json:"imported"`
}

// SlotListResponse - список слотов и текущий слот сессии.
type SlotListResponse struct {
	Slots       []models.SaveSlot `json:"slots"`
	CurrentSlot string            `json:"currentSlot,omitempty"`
}

// AcceptedResponse возвращается для фоновой генерации медиа.
type AcceptedResponse struct {
	NodeID   string          `json:"nodeId"`
	Modality models.Modality `json:"modality"`
}
