package models

// ErrorResponse - стандартная структура для ответа об ошибке в формате JSON.
type ErrorResponse struct {
	Code    string     `json:"code"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

// TurnResult - результат успешного хода.
type TurnResult struct {
	Segment  *StorySegment `json:"segment"`
	Warnings []Warning     `json:"warnings,omitempty"`
}

// StartResult - результат старта или продолжения игры.
type StartResult struct {
	SlotID   string        `json:"slotId,omitempty"`
	Root     *StorySegment `json:"root,omitempty"`
	Current  *StorySegment `json:"current,omitempty"`
	Warnings []Warning     `json:"warnings,omitempty"`
}
