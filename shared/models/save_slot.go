package models

import "time"

// SnapshotVersion is the current layout version of SlotSnapshot.
const SnapshotVersion = 1

// SaveSlot - метаданные слота сохранения.
type SaveSlot struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Summary         string    `json:"summary" db:"summary"`
	Theme           string    `json:"theme" db:"theme"`
	PreviewImageURL string    `json:"previewImageUrl,omitempty" db:"preview_image_url"`
	NodeCount       int       `json:"nodeCount" db:"node_count"`
	Revision        uint64    `json:"revision" db:"revision"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// SlotWrite - слот и его снимок для пакетной записи.
type SlotWrite struct {
	Slot     *SaveSlot
	Snapshot *SlotSnapshot
}

// Valid reports whether the write carries a slot id and a snapshot.
func (w SlotWrite) Valid() bool {
	return w.Slot != nil && w.Slot.ID != "" && w.Snapshot != nil
}

// GraphSnapshot is the serializable form of a story graph.
type GraphSnapshot struct {
	Nodes     []*StorySegment `json:"nodes"`
	RootID    string          `json:"rootId"`
	CurrentID string          `json:"currentId"`
	ViewedID  string          `json:"viewedId"`
}

// SlotSnapshot - полное состояние сессии, сохраненное в слоте.
type SlotSnapshot struct {
	Version   int           `json:"version"`
	SlotID    string        `json:"slotId"`
	Revision  uint64        `json:"revision"`
	GameState GameState     `json:"gameState"`
	Graph     GraphSnapshot `json:"graph"`
	SavedAt   time.Time     `json:"savedAt"`
}

// Node returns the node with the given id from the snapshot, or nil.
func (g *GraphSnapshot) Node(id string) *StorySegment {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *SlotSnapshot) Clone() *SlotSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.GameState.Outline != nil {
		o := *s.GameState.Outline
		o.Beats = append([]string(nil), o.Beats...)
		c.GameState.Outline = &o
	}
	c.Graph.Nodes = make([]*StorySegment, len(s.Graph.Nodes))
	for i, n := range s.Graph.Nodes {
		c.Graph.Nodes[i] = n.Clone()
	}
	return &c
}

// Metadata keys used by persistence backends.
const (
	MetaCurrentSlot = "currentSlot"
)
