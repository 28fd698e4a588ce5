package models

import "time"

// BackupVersion - текущая версия формата резервной копии.
const BackupVersion = 1

// BackupDocument - экспортируемый документ со всеми слотами.
type BackupDocument struct {
	Version     int                      `json:"version"`
	ExportDate  time.Time                `json:"exportDate"`
	Slots       []SaveSlot               `json:"slots"`
	CurrentSlot string                   `json:"currentSlot,omitempty"`
	Saves       map[string]*SlotSnapshot `json:"saves"`
}
